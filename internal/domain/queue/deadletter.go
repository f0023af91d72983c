package queue

import (
	"encoding/json"
	"time"
)

// ParkReason says why an event left the live queue.
type ParkReason string

const (
	ParkInvalidEnvelope  ParkReason = "invalid_envelope"
	ParkRejected         ParkReason = "rejected"
	ParkRetriesExhausted ParkReason = "retries_exhausted"
	// The event completed but recorded warnings worth a human look.
	ParkReported ParkReason = "reported"
)

// DeadLetter is a parked event with enough context to inspect and replay it.
type DeadLetter struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id,omitempty"`
	Discriminator string          `json:"discriminator,omitempty"`
	Reason        ParkReason      `json:"reason"`
	Message       string          `json:"message,omitempty"`
	Raw           json.RawMessage `json:"raw"`
	Problems      []Problem       `json:"problems,omitempty"`
	Attempts      int             `json:"attempts"`
	Topic         string          `json:"topic,omitempty"`
	Partition     int             `json:"partition"`
	Offset        int64           `json:"offset"`
	CreatedAt     time.Time       `json:"created_at"`
	TraceID       string          `json:"trace_id,omitempty"`
}
