package probe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Level is the severity a status command reports.
type Level string

const (
	LevelOK    Level = "ok"
	LevelWarn  Level = "warn"
	LevelAlert Level = "alert"
)

// JobStatus is the decoded status-command contract.
type JobStatus struct {
	Running     bool           `json:"running"`
	Completed   bool           `json:"completed"`
	PID         int            `json:"pid,omitempty"`
	StopReason  string         `json:"stopReason,omitempty"`
	Level       Level          `json:"level,omitempty"`
	Message     string         `json:"message,omitempty"`
	Progress    map[string]any `json:"progress,omitempty"`
	ProgressKey string         `json:"progressKey,omitempty"`
}

// Paused reports a job that is neither running nor finished.
func (s JobStatus) Paused() bool {
	return !s.Running && !s.Completed
}

// State renders the running/completed pair as a single word.
func (s JobStatus) State() string {
	switch {
	case s.Completed:
		return "completed"
	case s.Running:
		return "running"
	default:
		return "paused"
	}
}

// Parse decodes stdout of a status command. It requires exactly one JSON
// object with boolean running and completed fields.
func Parse(stdout string) (JobStatus, error) {
	out := strings.TrimSpace(stdout)
	if out == "" {
		return JobStatus{}, errors.New("empty status output")
	}

	dec := json.NewDecoder(strings.NewReader(out))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return JobStatus{}, errors.New("status output is not JSON")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return JobStatus{}, errors.New("status output must be a single JSON object")
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return JobStatus{}, errors.New("status JSON must be an object")
	}
	running, rok := obj["running"].(bool)
	completed, cok := obj["completed"].(bool)
	if !rok || !cok {
		return JobStatus{}, errors.New("status JSON must include boolean fields: running, completed")
	}

	st := JobStatus{
		Running:     running,
		Completed:   completed,
		PID:         positiveInt(obj["pid"]),
		StopReason:  nonBlank(obj["stopReason"]),
		Level:       Level(nonBlank(obj["level"])),
		Message:     nonBlank(obj["message"]),
		ProgressKey: nonBlank(obj["progressKey"]),
	}
	if progress, ok := obj["progress"].(map[string]any); ok {
		st.Progress = progress
		if st.ProgressKey == "" {
			st.ProgressKey = ProgressKey(progress)
		}
	}
	return st, nil
}

// ProgressKey fingerprints a progress object. Object keys are emitted in
// sorted order so equal progress always yields the same key.
func ProgressKey(progress map[string]any) string {
	if progress == nil {
		return ""
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(progress); err != nil {
		return fmt.Sprintf("%v", progress)
	}
	return strings.TrimSpace(buf.String())
}

func nonBlank(v any) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func positiveInt(v any) int {
	n, ok := v.(json.Number)
	if !ok {
		return 0
	}
	i, err := n.Int64()
	if err != nil || i <= 0 {
		return 0
	}
	return int(i)
}
