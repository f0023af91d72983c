package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is one unit of queued work as delivered by the transport.
type Event struct {
	ID            string          `json:"uuid" validate:"required,max=64"`
	Discriminator string          `json:"discriminator" validate:"required"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
	DateCreated   time.Time       `json:"date_created"`
	// Creator is the username of the operator that queued the event.
	Creator string `json:"creator,omitempty"`
	// PatientUUID optionally repeats the client temporary id outside the payload.
	PatientUUID string `json:"patient_uuid,omitempty"`
}

// DecodeEvent parses and validates an envelope. A missing date_created is
// stamped with now.
func DecodeEvent(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.DateCreated.IsZero() {
		ev.DateCreated = time.Now().UTC()
	}
	return &ev, nil
}

func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	if string(e.Payload) == "null" {
		return fmt.Errorf("invalid event: payload is null")
	}
	return nil
}
