package server

import "encoding/json"

// Wire types. All timestamps are integer UTC seconds.

type registerRequest struct {
	AgentID    string `json:"agent_id"`
	Hostname   string `json:"hostname"`
	PublicKey  string `json:"public_key"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
	Signature  string `json:"signature"`
	AdminToken string `json:"admin_token"`
}

type registerResponse struct {
	AgentID     string `json:"agent_id"`
	BearerToken string `json:"bearer_token"`
}

type metricSample struct {
	MetricName    string            `json:"metric_name"`
	Labels        map[string]string `json:"labels,omitempty"`
	Value         float64           `json:"value"`
	Timestamp     int64             `json:"timestamp_utc_sec"`
	ValueKindHint string            `json:"value_kind_hint,omitempty"`
}

type metricsBatchRequest struct {
	AgentID        string         `json:"agent_id"`
	BatchTimestamp int64          `json:"batch_timestamp"`
	Samples        []metricSample `json:"samples"`
}

type sampleError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type metricsBatchResponse struct {
	Accepted      int           `json:"accepted"`
	Rejected      int           `json:"rejected"`
	SeriesCreated int           `json:"series_created"`
	Errors        []sampleError `json:"errors,omitempty"`
}

type logEntryWire struct {
	Source     string `json:"source"`
	Timestamp  int64  `json:"timestamp_utc_sec"`
	Severity   int    `json:"severity"`
	Message    string `json:"message"`
	Unit       string `json:"unit,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

type logsBatchRequest struct {
	AgentID string         `json:"agent_id"`
	Entries []logEntryWire `json:"entries"`
}

type logsBatchResponse struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

type commandWire struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   int64           `json:"created_at"`
	DeliveredAt *int64          `json:"delivered_at,omitempty"`
	CompletedAt *int64          `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type enqueueCommandRequest struct {
	AgentID     string          `json:"agent_id"`
	CommandType string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type commandResultRequest struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type verifyResponse struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	LastSeen int64  `json:"last_seen"`
}

type clientWire struct {
	AgentID      string `json:"agent_id"`
	Hostname     string `json:"hostname"`
	RegisteredAt int64  `json:"registered_at"`
	LastSeen     int64  `json:"last_seen"`
	Status       string `json:"status"`
}
