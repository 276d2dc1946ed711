package logship

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var dmesgTimestampRe = regexp.MustCompile(`^\[\s*(\d+)\.(\d+)\]`)

// DmesgSource reads the kernel ring buffer through the dmesg binary.
// Ring entries carry seconds-since-boot; UTC resolution adds the boot
// time from /proc/stat btime. The cursor is the count of lines
// already shipped.
type DmesgSource struct {
	bootTime int64
	run      func(ctx context.Context) ([]byte, error)
}

func NewDmesgSource() (*DmesgSource, error) {
	boot, err := readBootTime("/proc/stat")
	if err != nil {
		return nil, err
	}
	return &DmesgSource{
		bootTime: boot,
		run: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "dmesg").Output()
		},
	}, nil
}

func (d *DmesgSource) Name() string { return "kernel" }

func (d *DmesgSource) Collect(ctx context.Context, cursor Cursor) ([]Entry, Cursor, error) {
	out, err := d.run(ctx)
	if err != nil {
		return nil, cursor, fmt.Errorf("run dmesg: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")

	start := 0
	if cursor.Present {
		if cursor.LastLine <= len(lines) {
			start = cursor.LastLine
		}
		// A shrunk buffer means the kernel wrapped; re-read from the
		// beginning rather than losing the tail.
	} else if len(lines) > backfillLimit {
		start = len(lines) - backfillLimit
	}

	var entries []Entry
	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ts, ok := d.resolveTimestamp(line)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Source:    d.Name(),
			Timestamp: ts,
			Severity:  guessSeverity(line),
			Message:   strings.TrimSpace(line),
		})
	}

	next := Cursor{
		Present:       true,
		LastLine:      len(lines),
		LastTimestamp: time.Now().UTC().Unix(),
	}
	return entries, next, nil
}

func (d *DmesgSource) resolveTimestamp(line string) (int64, bool) {
	m := dmesgTimestampRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	sec, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return d.bootTime + sec, true
}

func readBootTime(statPath string) (int64, error) {
	data, err := os.ReadFile(statPath)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", statPath, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "btime ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			break
		}
		return strconv.ParseInt(fields[1], 10, 64)
	}
	return 0, fmt.Errorf("btime not found in %s", statPath)
}
