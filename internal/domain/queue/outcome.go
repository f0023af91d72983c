package queue

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindMissingRequiredField      Kind = "MissingRequiredField"
	KindUnresolvableReference     Kind = "UnresolvableReference"
	KindExternalServiceFailure    Kind = "ExternalServiceFailure"
	KindDuplicateCandidateFound   Kind = "DuplicateCandidateFound"
	KindPersistenceFailure        Kind = "PersistenceFailure"
	KindMalformedObservationValue Kind = "MalformedObservationValue"
	KindMalformedField            Kind = "MalformedField"
	KindUnsupportedDiscriminator  Kind = "UnsupportedDiscriminator"
)

type Severity string

const (
	SeverityFatal   Severity = "fatal"
	SeverityWarning Severity = "warning"
)

// Problem is one independent failure found while processing an event.
type Problem struct {
	Kind      Kind     `json:"kind"`
	Severity  Severity `json:"severity"`
	Field     string   `json:"field,omitempty"`
	Message   string   `json:"message"`
	Retryable bool     `json:"retryable,omitempty"`
	Err       error    `json:"-"`
}

func (p Problem) Error() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	if p.Field != "" {
		b.WriteString(" [")
		b.WriteString(p.Field)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(p.Message)
	if p.Err != nil {
		b.WriteString(": ")
		b.WriteString(p.Err.Error())
	}
	return b.String()
}

func (p Problem) Unwrap() error { return p.Err }

func (p Problem) IsFatal() bool { return p.Severity == SeverityFatal }

// Fatal builds a problem that stops the registration step.
func Fatal(kind Kind, field, format string, args ...interface{}) Problem {
	return Problem{Kind: kind, Severity: SeverityFatal, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Warning builds a problem that is reported but does not stop processing.
func Warning(kind Kind, field, format string, args ...interface{}) Problem {
	return Problem{Kind: kind, Severity: SeverityWarning, Field: field, Message: fmt.Sprintf(format, args...)}
}

// WithErr attaches the underlying cause.
func (p Problem) WithErr(err error) Problem {
	p.Err = err
	return p
}

// AsRetryable marks a problem as transient.
func (p Problem) AsRetryable() Problem {
	p.Retryable = true
	return p
}

type State string

const (
	StateReceived            State = "received"
	StateValidating          State = "validating"
	StateValid               State = "valid"
	StateRejected            State = "rejected"
	StateRegistering         State = "registering"
	StateObservationsApplied State = "observations_applied"
	StateFailed              State = "failed"
)

// A replayed event whose link already exists goes from received straight
// to registering.
var transitions = map[State][]State{
	StateReceived:    {StateValidating, StateRegistering, StateRejected, StateFailed},
	StateValidating:  {StateValid, StateRejected},
	StateValid:       {StateRegistering},
	StateRegistering: {StateObservationsApplied, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateRejected || s == StateFailed || s == StateObservationsApplied
}

// Outcome aggregates everything that happened to one event.
type Outcome struct {
	EventID       string    `json:"event_id"`
	Discriminator string    `json:"discriminator"`
	TemporaryID   string    `json:"temporary_id,omitempty"`
	AssignedUUID  string    `json:"assigned_uuid,omitempty"`
	State         State     `json:"state"`
	Replayed      bool      `json:"replayed,omitempty"`
	Problems      []Problem `json:"problems"`
}

func NewOutcome(ev *Event) *Outcome {
	return &Outcome{
		EventID:       ev.ID,
		Discriminator: ev.Discriminator,
		State:         StateReceived,
		Problems:      []Problem{},
	}
}

func (o *Outcome) Add(problems ...Problem) {
	o.Problems = append(o.Problems, problems...)
}

// Transition moves the outcome to the next state.
func (o *Outcome) Transition(to State) error {
	for _, allowed := range transitions[o.State] {
		if allowed == to {
			o.State = to
			return nil
		}
	}
	return fmt.Errorf("invalid outcome transition %s -> %s", o.State, to)
}

func (o *Outcome) HasFatal() bool {
	for _, p := range o.Problems {
		if p.IsFatal() {
			return true
		}
	}
	return false
}

// Succeeded reports whether no problem at all was recorded.
func (o *Outcome) Succeeded() bool {
	return len(o.Problems) == 0
}

// Retryable reports whether the event failed only for transient reasons and
// may succeed if processed again.
func (o *Outcome) Retryable() bool {
	fatal := false
	for _, p := range o.Problems {
		if !p.IsFatal() {
			continue
		}
		if !p.Retryable {
			return false
		}
		fatal = true
	}
	return fatal
}

func (o *Outcome) Count(kind Kind) int {
	n := 0
	for _, p := range o.Problems {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

func (o *Outcome) Warnings() []Problem {
	var out []Problem
	for _, p := range o.Problems {
		if !p.IsFatal() {
			out = append(out, p)
		}
	}
	return out
}

// Err joins every problem into one error, or returns nil on success.
func (o *Outcome) Err() error {
	if o.Succeeded() {
		return nil
	}
	errs := make([]error, len(o.Problems))
	for i, p := range o.Problems {
		errs[i] = p
	}
	return fmt.Errorf("event %s %s: %w", o.EventID, o.State, errors.Join(errs...))
}
