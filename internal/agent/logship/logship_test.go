package logship

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorStoreRoundtrip(t *testing.T) {
	store := NewStore(t.TempDir())

	// Absent cursor means first run.
	c, err := store.Load("syslog")
	require.NoError(t, err)
	assert.False(t, c.Present)

	saved := Cursor{Inode: 42, ByteOffset: 1024, LastTimestamp: 1700000000}
	require.NoError(t, store.Save("syslog", saved))

	loaded, err := store.Load("syslog")
	require.NoError(t, err)
	assert.True(t, loaded.Present)
	assert.Equal(t, uint64(42), loaded.Inode)
	assert.Equal(t, int64(1024), loaded.ByteOffset)
}

func TestCursorStoreCorruptFileDegradesToBackfill(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "log-cursors.syslog"), []byte("not json"), 0o600))

	c, err := store.Load("syslog")
	require.NoError(t, err)
	assert.False(t, c.Present)
}

func TestGuessSeverity(t *testing.T) {
	assert.Equal(t, SevError, guessSeverity("nvme0: I/O error on device"))
	assert.Equal(t, SevWarning, guessSeverity("thermal: warning, throttling"))
	assert.Equal(t, SevCritical, guessSeverity("CRITICAL: PSU failure imminent"))
	assert.Equal(t, SevInfo, guessSeverity("link up at 10Gbps"))
	assert.Equal(t, SevDebug, guessSeverity("debug: probing sensor bus"))
}

func newTestDmesg(bootTime int64, output string) *DmesgSource {
	return &DmesgSource{
		bootTime: bootTime,
		run: func(ctx context.Context) ([]byte, error) {
			return []byte(output), nil
		},
	}
}

func TestDmesgTimestampResolution(t *testing.T) {
	d := newTestDmesg(1700000000, "[  123.456789] usb 1-1: new high-speed USB device\n")
	entries, cursor, err := d.Collect(context.Background(), Cursor{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	// boot_time + kernel seconds, truncated.
	assert.Equal(t, int64(1700000123), entries[0].Timestamp)
	assert.Equal(t, "kernel", entries[0].Source)
	assert.Equal(t, 1, cursor.LastLine)
	assert.True(t, cursor.Present)
}

func TestDmesgIncrementalCursor(t *testing.T) {
	out1 := "[  100.0] line one\n[  200.0] line two\n"
	d := newTestDmesg(1700000000, out1)

	entries, cursor, err := d.Collect(context.Background(), Cursor{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Nothing new: the cursor suppresses re-shipping.
	entries, cursor, err = d.Collect(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Two more ring entries appear.
	d.run = func(ctx context.Context) ([]byte, error) {
		return []byte(out1 + "[  300.0] line three\n[  400.0] line four\n"), nil
	}
	entries, _, err = d.Collect(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1700000300), entries[0].Timestamp)
}

func TestDmesgFirstRunBackfillBounded(t *testing.T) {
	var out string
	for i := 0; i < backfillLimit+500; i++ {
		out += fmt.Sprintf("[  %d.0] line %d\n", i, i)
	}
	d := newTestDmesg(1700000000, out)
	entries, _, err := d.Collect(context.Background(), Cursor{})
	require.NoError(t, err)
	assert.Len(t, entries, backfillLimit)
	// The newest entries survive the crop.
	assert.Equal(t, int64(1700000000+backfillLimit+499), entries[len(entries)-1].Timestamp)
}

func TestJournalParsing(t *testing.T) {
	out := []byte(`{"MESSAGE":"session opened","__CURSOR":"cursor-1","__REALTIME_TIMESTAMP":"1700000100123456","PRIORITY":"6","_SYSTEMD_UNIT":"sshd.service","SYSLOG_IDENTIFIER":"sshd","_PID":"1234"}
{"MESSAGE":"disk failing","__CURSOR":"cursor-2","__REALTIME_TIMESTAMP":"1700000200654321","PRIORITY":"2"}
not json at all
{"MESSAGE":"","__CURSOR":"cursor-3","__REALTIME_TIMESTAMP":"1700000300000000","PRIORITY":"6"}
`)
	entries, lastCursor := parseJournalOutput(out)
	require.Len(t, entries, 2)

	assert.Equal(t, "[sshd.service] sshd[1234]: session opened", entries[0].Message)
	assert.Equal(t, int64(1700000100), entries[0].Timestamp)
	assert.Equal(t, SevInfo, entries[0].Severity)
	assert.Equal(t, "sshd.service", entries[0].Unit)
	assert.Equal(t, 1234, entries[0].PID)

	assert.Equal(t, "disk failing", entries[1].Message)
	assert.Equal(t, SevCritical, entries[1].Severity)

	// The cursor advances past even skipped records.
	assert.Equal(t, "cursor-3", lastCursor)
}

func TestJournalFormatMessage(t *testing.T) {
	assert.Equal(t, "plain", formatJournalMessage("", "", 0, "plain"))
	assert.Equal(t, "[u.service]: msg", formatJournalMessage("u.service", "", 0, "msg"))
	assert.Equal(t, "ident: msg", formatJournalMessage("", "ident", 0, "msg"))
	assert.Equal(t, "[u.service] ident[7]: msg", formatJournalMessage("u.service", "ident", 7, "msg"))
}

func newTestSyslog(t *testing.T, path string) *SyslogSource {
	t.Helper()
	s := NewSyslogSource(path)
	s.loc = time.UTC
	// Pin "now" so year inference is deterministic.
	s.now = func() time.Time { return time.Date(2023, 11, 15, 12, 0, 0, 0, time.UTC) }
	return s
}

func syslogLine(msg string) string {
	return "Nov 14 10:30:00 host01 " + msg + "\n"
}

func TestSyslogIncrementalCollection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syslog")
	require.NoError(t, os.WriteFile(path, []byte(syslogLine("sshd[1]: start")), 0o644))

	s := newTestSyslog(t, path)

	entries, cursor, err := s.Collect(context.Background(), Cursor{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sshd[1]: start", entries[0].Message)
	want := time.Date(2023, 11, 14, 10, 30, 0, 0, time.UTC).Unix()
	assert.Equal(t, want, entries[0].Timestamp)

	// No growth, no entries.
	entries, cursor, err = s.Collect(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Appended lines arrive exactly once.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(syslogLine("kernel: error on nvme0"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, cursor, err = s.Collect(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kernel: error on nvme0", entries[0].Message)
	assert.Equal(t, SevError, entries[0].Severity)
	assert.True(t, cursor.Present)
}

func TestSyslogRotationDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	require.NoError(t, os.WriteFile(path, []byte(syslogLine("before rotation")), 0o644))

	s := newTestSyslog(t, path)
	_, cursor, err := s.Collect(context.Background(), Cursor{})
	require.NoError(t, err)

	// Rotate: move the old file away, create a fresh one at the same
	// path (new inode).
	require.NoError(t, os.Rename(path, path+".1"))
	require.NoError(t, os.WriteFile(path, []byte(syslogLine("after rotation")), 0o644))

	entries, cursor2, err := s.Collect(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "after rotation", entries[0].Message)
	assert.NotEqual(t, cursor.Inode, cursor2.Inode)
}

func TestSyslogTruncationResetsOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syslog")
	long := syslogLine("one") + syslogLine("two") + syslogLine("three")
	require.NoError(t, os.WriteFile(path, []byte(long), 0o644))

	s := newTestSyslog(t, path)
	_, cursor, err := s.Collect(context.Background(), Cursor{})
	require.NoError(t, err)

	// Truncate in place: same inode, smaller size.
	require.NoError(t, os.WriteFile(path, []byte(syslogLine("fresh")), 0o644))

	entries, _, err := s.Collect(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].Message)
}

func TestShipperKeepsCursorOnShipFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	require.NoError(t, os.WriteFile(path, []byte(syslogLine("important line")), 0o644))

	store := NewStore(dir)
	var shipped [][]Entry
	failing := true
	ship := func(ctx context.Context, entries []Entry) error {
		if failing {
			return fmt.Errorf("server unreachable")
		}
		shipped = append(shipped, entries)
		return nil
	}

	shipper := NewShipper(store, ship, SevDebug, nil)
	shipper.AddSource(newTestSyslog(t, path))

	// Failed ship: the cursor must not advance.
	shipper.RunCycle(context.Background())
	c, err := store.Load("syslog")
	require.NoError(t, err)
	assert.False(t, c.Present)

	// Next cycle retries the same window and succeeds.
	failing = false
	shipper.RunCycle(context.Background())
	require.Len(t, shipped, 1)
	require.Len(t, shipped[0], 1)
	assert.Equal(t, "important line", shipped[0][0].Message)

	c, err = store.Load("syslog")
	require.NoError(t, err)
	assert.True(t, c.Present)

	// Nothing new: no further ships, cursor intact.
	shipper.RunCycle(context.Background())
	assert.Len(t, shipped, 1)
}

func TestShipperSeverityThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog")
	content := syslogLine("harmless info line") + syslogLine("kernel: error detected")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := NewStore(dir)
	var shipped []Entry
	ship := func(ctx context.Context, entries []Entry) error {
		shipped = append(shipped, entries...)
		return nil
	}

	// Only warnings and worse leave the host.
	shipper := NewShipper(store, ship, SevWarning, nil)
	shipper.AddSource(newTestSyslog(t, path))
	shipper.RunCycle(context.Background())

	require.Len(t, shipped, 1)
	assert.Equal(t, "kernel: error detected", shipped[0].Message)
}

func TestReadBootTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stat")
	require.NoError(t, os.WriteFile(path, []byte("cpu  1 2 3 4\nbtime 1699999000\nprocesses 100\n"), 0o644))

	bt, err := readBootTime(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1699999000), bt)

	require.NoError(t, os.WriteFile(path, []byte("cpu 1 2 3\n"), 0o644))
	_, err = readBootTime(path)
	assert.Error(t, err)
}
