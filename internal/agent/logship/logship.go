// Package logship implements incremental log collection with
// persisted per-source cursors: kernel ring buffer, systemd journal
// and the syslog file. Timestamps are normalized to UTC seconds
// before anything leaves the host.
package logship

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Entry is one normalized log line ready for shipping.
type Entry struct {
	Source     string `json:"source"`
	Timestamp  int64  `json:"timestamp_utc_sec"`
	Severity   int    `json:"severity"`
	Message    string `json:"message"`
	Unit       string `json:"unit,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

// Source collects new entries since the cursor and returns the
// advanced cursor. The caller persists the cursor only after a
// successful ship, so a failed POST replays the same window.
type Source interface {
	Name() string
	Collect(ctx context.Context, cursor Cursor) ([]Entry, Cursor, error)
}

// Cursor is the opaque per-source resume state. Fields are a union
// over all source types; unused ones stay zero.
type Cursor struct {
	// Present distinguishes a first run (backfill) from an empty
	// incremental window.
	Present bool `json:"-"`

	// dmesg: count of ring buffer lines already shipped.
	LastLine int `json:"last_line,omitempty"`
	// journal: the systemd cursor token of the last shipped entry.
	Journal string `json:"cursor,omitempty"`
	// syslog: file identity and read position.
	Inode      uint64 `json:"inode,omitempty"`
	ByteOffset int64  `json:"byte_offset,omitempty"`

	LastTimestamp int64 `json:"last_timestamp,omitempty"`
}

// backfillLimit bounds the first-run history per source.
const backfillLimit = 1000

// Store persists cursors as JSON files under auth_dir.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(source string) string {
	return filepath.Join(s.dir, "log-cursors."+source)
}

func (s *Store) Load(source string) (Cursor, error) {
	data, err := os.ReadFile(s.path(source))
	if os.IsNotExist(err) {
		return Cursor{}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("read cursor %s: %w", source, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		// A corrupt cursor file degrades to a fresh backfill rather
		// than wedging the source.
		return Cursor{}, nil
	}
	c.Present = true
	return c, nil
}

func (s *Store) Save(source string, c Cursor) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", source, err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create cursor dir: %w", err)
	}
	tmp := s.path(source) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cursor %s: %w", source, err)
	}
	if err := os.Rename(tmp, s.path(source)); err != nil {
		return fmt.Errorf("rename cursor %s: %w", source, err)
	}
	return nil
}
