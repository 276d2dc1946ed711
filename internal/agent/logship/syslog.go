package logship

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"
)

var syslogPrefixRe = regexp.MustCompile(`^(\w{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// SyslogSource tails a classic syslog file by inode and byte offset.
// An inode change (rotation) or a shrink (truncation) resets the
// offset to zero so nothing after the rotation is missed. Timestamps
// in the traditional local-time format are converted to UTC via the
// host timezone.
type SyslogSource struct {
	path string
	loc  *time.Location
	now  func() time.Time
}

func NewSyslogSource(path string) *SyslogSource {
	if path == "" {
		path = "/var/log/syslog"
	}
	return &SyslogSource{path: path, loc: time.Local, now: time.Now}
}

func (s *SyslogSource) Name() string { return "syslog" }

func (s *SyslogSource) Collect(_ context.Context, cursor Cursor) ([]Entry, Cursor, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, cursor, fmt.Errorf("open syslog: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, cursor, fmt.Errorf("stat syslog: %w", err)
	}
	inode := fileInode(info)
	size := info.Size()

	offset := cursor.ByteOffset
	if !cursor.Present {
		// First run: bounded backfill from the file tail.
		offset = backfillOffset(f, size)
	} else if cursor.Inode != inode || size < cursor.ByteOffset {
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, cursor, fmt.Errorf("seek syslog: %w", err)
	}

	var entries []Entry
	reader := bufio.NewReader(f)
	pos := offset
	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			break
		}
		// A partial trailing line stays for the next cycle.
		if !strings.HasSuffix(line, "\n") {
			break
		}
		pos += int64(len(line))

		entry, ok := s.parseLine(strings.TrimRight(line, "\n"))
		if ok {
			entries = append(entries, entry)
		}
		if err != nil {
			break
		}
	}

	next := Cursor{
		Present:       true,
		Inode:         inode,
		ByteOffset:    pos,
		LastTimestamp: s.now().UTC().Unix(),
	}
	return entries, next, nil
}

func (s *SyslogSource) parseLine(line string) (Entry, bool) {
	if strings.TrimSpace(line) == "" {
		return Entry{}, false
	}
	m := syslogPrefixRe.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}
	ts, ok := s.parseTimestamp(m[1])
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Source:    s.Name(),
		Timestamp: ts,
		Severity:  guessSeverity(line),
		Message:   m[3],
	}, true
}

// parseTimestamp interprets the year-less "Jan  2 15:04:05" prefix in
// the host timezone. Around new year a December stamp seen in January
// belongs to the previous year.
func (s *SyslogSource) parseTimestamp(raw string) (int64, bool) {
	now := s.now().In(s.loc)
	t, err := time.ParseInLocation("Jan _2 15:04:05 2006", raw+" "+now.Format("2006"), s.loc)
	if err != nil {
		return 0, false
	}
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t.UTC().Unix(), true
}

func fileInode(info os.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Ino
	}
	return 0
}

// backfillOffset seeks back far enough to cover roughly the most
// recent backfillLimit lines without reading the whole file.
func backfillOffset(f *os.File, size int64) int64 {
	const assumedLineBytes = 256
	window := int64(backfillLimit * assumedLineBytes)
	if size <= window {
		return 0
	}
	offset := size - window
	// Align to the next full line.
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0
	}
	reader := bufio.NewReader(f)
	skipped, err := reader.ReadString('\n')
	if err != nil {
		return 0
	}
	return offset + int64(len(skipped))
}
