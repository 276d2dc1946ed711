package logship

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// JournalSource queries systemd's journal through journalctl with
// JSON output. The systemd cursor token makes incremental collection
// exact across agent restarts and journal rotation.
type JournalSource struct {
	run func(ctx context.Context, args ...string) ([]byte, error)
}

func NewJournalSource() *JournalSource {
	return &JournalSource{
		run: func(ctx context.Context, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, "journalctl", args...).Output()
		},
	}
}

func (j *JournalSource) Name() string { return "journal" }

func (j *JournalSource) Collect(ctx context.Context, cursor Cursor) ([]Entry, Cursor, error) {
	args := []string{"--output=json", "--no-pager"}
	if cursor.Present && cursor.Journal != "" {
		args = append(args, "--after-cursor", cursor.Journal)
	} else {
		args = append(args, fmt.Sprintf("--lines=%d", backfillLimit))
	}

	out, err := j.run(ctx, args...)
	if err != nil {
		return nil, cursor, fmt.Errorf("run journalctl: %w", err)
	}

	entries, lastCursor := parseJournalOutput(out)

	next := cursor
	next.Present = true
	if lastCursor != "" {
		next.Journal = lastCursor
		next.LastTimestamp = time.Now().UTC().Unix()
	}
	return entries, next, nil
}

type journalRecord struct {
	Message          string `json:"MESSAGE"`
	Cursor           string `json:"__CURSOR"`
	RealtimeUsec     string `json:"__REALTIME_TIMESTAMP"`
	Priority         string `json:"PRIORITY"`
	SystemdUnit      string `json:"_SYSTEMD_UNIT"`
	Unit             string `json:"UNIT"`
	SyslogIdentifier string `json:"SYSLOG_IDENTIFIER"`
	PID              string `json:"_PID"`
}

func parseJournalOutput(out []byte) ([]Entry, string) {
	var entries []Entry
	var lastCursor string

	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Cursor != "" {
			lastCursor = rec.Cursor
		}
		if rec.Message == "" {
			continue
		}

		usec, err := strconv.ParseInt(rec.RealtimeUsec, 10, 64)
		if err != nil || usec == 0 {
			continue
		}

		severity := SevInfo
		if p, err := strconv.Atoi(rec.Priority); err == nil && p >= 0 && p <= 7 {
			severity = p
		}

		unit := rec.SystemdUnit
		if unit == "" {
			unit = rec.Unit
		}
		pid, _ := strconv.Atoi(rec.PID)

		entries = append(entries, Entry{
			Source:     "journal",
			Timestamp:  usec / 1_000_000,
			Severity:   severity,
			Message:    formatJournalMessage(unit, rec.SyslogIdentifier, pid, rec.Message),
			Unit:       unit,
			Identifier: rec.SyslogIdentifier,
			PID:        pid,
		})
	}
	return entries, lastCursor
}

// formatJournalMessage renders "[unit] identifier[pid]: message" with
// absent context pieces dropped.
func formatJournalMessage(unit, identifier string, pid int, message string) string {
	var parts []string
	if unit != "" {
		parts = append(parts, "["+unit+"]")
	}
	if identifier != "" {
		if pid > 0 {
			parts = append(parts, fmt.Sprintf("%s[%d]", identifier, pid))
		} else {
			parts = append(parts, identifier)
		}
	}
	msg := strings.TrimSpace(message)
	if len(parts) == 0 {
		return msg
	}
	return strings.Join(parts, " ") + ": " + msg
}
