package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/strainhq/strain/internal/engine"
)

// eventRecord is one lifecycle event shaped for JSON-lines output.
type eventRecord struct {
	Timestamp time.Time `json:"ts"`
	Stressor  string    `json:"stressor"`
	Worker    int       `json:"worker"`
	Pid       int       `json:"pid,omitempty"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Message   string    `json:"msg"`
	Error     string    `json:"error,omitempty"`
}

func newEventRecord(event engine.Event) eventRecord {
	rec := eventRecord{
		Timestamp: event.Timestamp,
		Stressor:  event.Stressor,
		Worker:    event.Worker,
		Pid:       event.Pid,
		Type:      string(event.Type),
		Reason:    event.Reason,
		Attempt:   event.Attempt,
		Message:   event.Message,
	}
	if event.Err != nil {
		rec.Error = event.Err.Error()
	}
	return rec
}

func encodeEvent(enc *json.Encoder, stderr io.Writer, event engine.Event) {
	if enc == nil {
		return
	}
	record := newEventRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode event: %v\n", err)
	}
}
