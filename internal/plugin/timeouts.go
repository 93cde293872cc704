package plugin

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timeouts standardizes the timeout knobs of plugin configs:
//
//	"timeouts": { "task": "30s", "operation": "2s" }
//
// Task bounds one trigger run. Operation bounds a single IO step inside it.
type Timeouts struct {
	Task      string `json:"task,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// UnmarshalJSON rejects unknown keys.
func (t *Timeouts) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*t = Timeouts{}
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	var out Timeouts
	for k, v := range m {
		var dst *string
		switch k {
		case "task":
			dst = &out.Task
		case "operation":
			dst = &out.Operation
		default:
			return fmt.Errorf("unknown timeouts field %q (supported: task, operation)", k)
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("timeouts.%s: %w", k, err)
		}
	}
	*t = out
	return nil
}

func (t Timeouts) Validate(prefix string) error {
	for k, v := range map[string]string{"task": t.Task, "operation": t.Operation} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s.%s: %w", prefix, k, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s.%s: must be >= 0", prefix, k)
		}
	}
	return nil
}

func (t Timeouts) TaskOr(def time.Duration) time.Duration      { return durationOr(t.Task, def) }
func (t Timeouts) OperationOr(def time.Duration) time.Duration { return durationOr(t.Operation, def) }

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
