package storage

// Client is a registered agent. AgentID is chosen by the agent at
// registration (hostname-derived by convention) and never changes.
type Client struct {
	AgentID      string `gorm:"primaryKey;size:128"`
	Hostname     string `gorm:"size:255"`
	PublicKey    string `gorm:"type:text;not null"`
	BearerToken  string `gorm:"size:128;not null;uniqueIndex"`
	RegisteredAt int64  `gorm:"not null"`
	LastSeen     int64  `gorm:"index"`
	Status       string `gorm:"size:16;not null;default:active"`
}

const (
	ClientActive  = "active"
	ClientRevoked = "revoked"
)

// MetricSeries is the dimensional identity of one labelled stream.
// (AgentID, MetricName, LabelsHash) is unique; the hash is the SHA-256
// of the canonical label serialization.
type MetricSeries struct {
	ID              uint64 `gorm:"primaryKey"`
	AgentID         string `gorm:"size:128;not null;uniqueIndex:idx_series_identity,priority:1;index:idx_series_agent_metric,priority:1"`
	MetricName      string `gorm:"size:255;not null;uniqueIndex:idx_series_identity,priority:2;index:idx_series_agent_metric,priority:2"`
	LabelsCanonical string `gorm:"type:text"`
	LabelsHash      string `gorm:"size:64;not null;uniqueIndex:idx_series_identity,priority:3"`
	ValueKind       string `gorm:"size:8;not null"`
}

const (
	KindInt   = "int"
	KindFloat = "float"
)

// MetricPointInt and MetricPointFloat carry the same logical shape;
// the split keeps counter-dominant workloads compact on disk.
type MetricPointInt struct {
	SeriesID  uint64 `gorm:"primaryKey;autoIncrement:false"`
	Timestamp int64  `gorm:"primaryKey;autoIncrement:false"`
	Value     int64  `gorm:"not null"`
}

type MetricPointFloat struct {
	SeriesID  uint64  `gorm:"primaryKey;autoIncrement:false"`
	Timestamp int64   `gorm:"primaryKey;autoIncrement:false"`
	Value     float64 `gorm:"not null"`
}

// LogEntry is one shipped log line. Severity is the syslog 0-7 scale
// (0 emergency .. 7 debug). Timestamp is UTC seconds as normalized by
// the agent.
type LogEntry struct {
	ID         uint64 `gorm:"primaryKey"`
	AgentID    string `gorm:"size:128;not null;index:idx_logs_agent_time,priority:1"`
	Source     string `gorm:"size:16;not null;index"`
	Timestamp  int64  `gorm:"not null;index:idx_logs_agent_time,priority:2"`
	Severity   int    `gorm:"not null;index"`
	Message    string `gorm:"type:text;not null"`
	Unit       string `gorm:"size:255"`
	Identifier string `gorm:"size:255"`
	PID        int
	ReceivedAt int64 `gorm:"not null"`
}

// Command is one admin-originated command addressed to an agent.
type Command struct {
	ID          string `gorm:"primaryKey;size:64"`
	AgentID     string `gorm:"size:128;not null;index:idx_commands_agent_status,priority:1"`
	CommandType string `gorm:"size:64;not null"`
	Payload     string `gorm:"type:text"`
	Status      string `gorm:"size:16;not null;index:idx_commands_agent_status,priority:2;index:idx_commands_status_created,priority:1"`
	CreatedAt   int64  `gorm:"not null;index:idx_commands_status_created,priority:2"`
	DeliveredAt *int64
	CompletedAt *int64
	Result      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
}

const (
	CommandPending   = "pending"
	CommandDelivered = "delivered"
	CommandExecuting = "executing"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
	CommandExpired   = "expired"
)

// TerminalCommandStatus reports whether a status admits no further
// transitions.
func TerminalCommandStatus(s string) bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandExpired:
		return true
	}
	return false
}

// Lease is a named single-writer token for background work. A holder
// owns the lease until ExpiresAt; re-acquiring an unexpired lease held
// by someone else fails.
type Lease struct {
	Name      string `gorm:"primaryKey;size:64"`
	Holder    string `gorm:"size:64;not null"`
	ExpiresAt int64  `gorm:"not null"`
}
