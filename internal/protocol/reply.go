package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Reply is one decoded line from the controller. Every reply carries a
// "success" boolean; the other fields depend on the command. Stream samples
// use the same shape.
type Reply map[string]any

const successKey = "success"

// ParseReply decodes one line. A blank line decodes to an empty, non-nil
// Reply; anything that is not a JSON object is an error.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Reply{}, nil
	}
	var r Reply
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("expected a JSON object, got %q", line)
	}
	return r, nil
}

// Success reports the value of the "success" field. A missing or non-boolean
// field counts as failure.
func (r Reply) Success() bool {
	ok, _ := r[successKey].(bool)
	return ok
}

// Empty reports whether the reply carries no fields at all.
func (r Reply) Empty() bool { return len(r) == 0 }

// Float returns a numeric field.
func (r Reply) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Bool returns a boolean field.
func (r Reply) Bool(key string) (bool, bool) {
	v, ok := r[key].(bool)
	return v, ok
}

// Text returns a string field.
func (r Reply) Text(key string) (string, bool) {
	v, ok := r[key].(string)
	return v, ok
}

// Clone returns a shallow copy.
func (r Reply) Clone() Reply {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Err converts an unsuccessful reply into a *CommandError. A successful reply
// yields nil.
func (r Reply) Err() error {
	if r.Success() {
		return nil
	}
	msg, _ := r.Text("error")
	if msg == "" {
		msg, _ = r.Text("message")
	}
	return &CommandError{Reply: r, Message: msg}
}

// SuccessReply builds a successful reply with optional fields.
func SuccessReply(fields map[string]any) Reply {
	r := make(Reply, len(fields)+1)
	maps.Copy(r, fields)
	r[successKey] = true
	return r
}

// FailureReply builds an unsuccessful reply carrying an error message.
func FailureReply(msg string) Reply {
	return Reply{successKey: false, "error": msg}
}
