package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandEnvelope is the wire shape the server delivers.
type CommandEnvelope struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
}

// CommandResult is what the agent reports back.
type CommandResult struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// execTimeouts bound each command type; a wedged ipmitool must not
// stall the poll loop.
var execTimeouts = map[string]time.Duration{
	"fan_control": 30 * time.Second,
	"ipmi_raw":    30 * time.Second,
	"system_info": 10 * time.Second,
	"reboot":      10 * time.Second,
}

type runCommandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Executor dispatches delivered commands to their local handlers.
type Executor struct {
	run runCommandFunc
}

func NewExecutor() *Executor {
	return &Executor{run: runLocal}
}

func runLocal(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Execute runs one command and always produces a result; unrecognized
// types or payloads fail with UnknownCommand so the admin sees why.
func (e *Executor) Execute(ctx context.Context, cmd CommandEnvelope) CommandResult {
	timeout, ok := execTimeouts[cmd.CommandType]
	if !ok {
		return CommandResult{
			CommandID: cmd.ID,
			Status:    "failed",
			Error:     fmt.Sprintf("UnknownCommand: unrecognized command type %q", cmd.CommandType),
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch cmd.CommandType {
	case "fan_control":
		result, err = e.fanControl(ctx, cmd.Payload)
	case "ipmi_raw":
		result, err = e.ipmiRaw(ctx, cmd.Payload)
	case "system_info":
		result, err = e.systemInfo(ctx, cmd.Payload)
	case "reboot":
		result, err = e.reboot(ctx, cmd.Payload)
	}
	if err != nil {
		return CommandResult{CommandID: cmd.ID, Status: "failed", Error: err.Error()}
	}
	data, _ := json.Marshal(result)
	return CommandResult{CommandID: cmd.ID, Status: "completed", Result: data}
}

// BMC fan mode codes for the Supermicro raw interface.
var bmcFanModes = map[string]string{
	"STANDARD": "0x00",
	"FULL":     "0x01",
	"OPTIMAL":  "0x02",
	"HEAVY_IO": "0x04",
}

func (e *Executor) fanControl(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p struct {
		Action string `json:"action"`
		Mode   string `json:"mode"`
		Zone0  *int   `json:"zone0"`
		Zone1  *int   `json:"zone1"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("UnknownCommand: malformed fan_control payload: %v", err)
	}

	switch p.Action {
	case "set_bmc_mode":
		code, ok := bmcFanModes[p.Mode]
		if !ok {
			return nil, fmt.Errorf("UnknownCommand: unrecognized BMC fan mode %q", p.Mode)
		}
		if _, err := e.run(ctx, "ipmitool", "raw", "0x30", "0x45", "0x01", code); err != nil {
			return nil, err
		}
		return map[string]interface{}{"applied": true, "mode": p.Mode}, nil

	case "set_fan_speeds":
		if p.Zone0 == nil || p.Zone1 == nil {
			return nil, fmt.Errorf("UnknownCommand: set_fan_speeds requires zone0 and zone1")
		}
		for _, pct := range []int{*p.Zone0, *p.Zone1} {
			if pct < 0 || pct > 100 {
				return nil, fmt.Errorf("fan speed out of range: %d", pct)
			}
		}
		for zone, pct := range map[string]int{"0x00": *p.Zone0, "0x01": *p.Zone1} {
			duty := fmt.Sprintf("0x%02x", pct*255/100)
			if _, err := e.run(ctx, "ipmitool", "raw", "0x30", "0x70", "0x66", "0x01", zone, duty); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"applied": true, "zone0": *p.Zone0, "zone1": *p.Zone1}, nil

	case "get_status":
		out, err := e.run(ctx, "ipmitool", "raw", "0x30", "0x45", "0x00")
		if err != nil {
			return nil, err
		}
		return map[string]string{"mode_raw": strings.TrimSpace(string(out))}, nil
	}
	return nil, fmt.Errorf("UnknownCommand: unrecognized fan_control action %q", p.Action)
}

func (e *Executor) ipmiRaw(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || strings.TrimSpace(p.Command) == "" {
		return nil, fmt.Errorf("UnknownCommand: ipmi_raw requires a command hex string")
	}
	args := append([]string{"raw"}, strings.Fields(p.Command)...)
	out, err := e.run(ctx, "ipmitool", args...)
	if err != nil {
		return nil, err
	}
	return map[string]string{"output": strings.TrimSpace(string(out))}, nil
}

func (e *Executor) systemInfo(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("UnknownCommand: malformed system_info payload: %v", err)
	}
	switch p.Type {
	case "hostname":
		hostname, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		return map[string]string{"hostname": hostname}, nil
	case "kernel":
		out, err := e.run(ctx, "uname", "-r")
		if err != nil {
			return nil, err
		}
		return map[string]string{"kernel": strings.TrimSpace(string(out))}, nil
	case "uptime":
		data, err := os.ReadFile("/proc/uptime")
		if err != nil {
			return nil, err
		}
		fields := strings.Fields(string(data))
		if len(fields) == 0 {
			return nil, fmt.Errorf("unexpected /proc/uptime contents")
		}
		return map[string]string{"uptime_sec": fields[0]}, nil
	}
	return nil, fmt.Errorf("UnknownCommand: unrecognized system_info type %q", p.Type)
}

func (e *Executor) reboot(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var p struct {
		DelaySec int `json:"delay_sec"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("UnknownCommand: malformed reboot payload: %v", err)
	}
	if p.DelaySec < 0 {
		return nil, fmt.Errorf("negative reboot delay")
	}
	minutes := (p.DelaySec + 59) / 60
	if _, err := e.run(ctx, "shutdown", "-r", fmt.Sprintf("+%d", minutes)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"scheduled": true, "delay_sec": p.DelaySec}, nil
}
