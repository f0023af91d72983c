package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ehr/intake/internal/platform/metrics"
	"github.com/ehr/intake/internal/platform/tracing"
)

// Handler processes every event carrying its discriminator.
type Handler interface {
	Discriminator() string
	Handle(ctx context.Context, ev *Event) *Outcome
}

// Dispatcher routes events to handlers by discriminator. The table is
// fixed at construction.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher(handlers ...Handler) (*Dispatcher, error) {
	d := &Dispatcher{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		key := h.Discriminator()
		if key == "" {
			return nil, fmt.Errorf("handler %T has an empty discriminator", h)
		}
		if _, dup := d.handlers[key]; dup {
			return nil, fmt.Errorf("discriminator %q registered twice", key)
		}
		d.handlers[key] = h
	}
	return d, nil
}

func (d *Dispatcher) Discriminators() []string {
	keys := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dispatch runs the matching handler. An unknown discriminator is rejected
// without retry.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) *Outcome {
	ctx, span := tracing.StartSpan(ctx, "queue.Dispatch")
	defer span.End()

	start := time.Now()
	metrics.EventsInFlight.Inc()
	defer metrics.EventsInFlight.Dec()

	var out *Outcome
	label := ev.Discriminator
	if h, ok := d.handlers[ev.Discriminator]; ok {
		out = h.Handle(ctx, ev)
	} else {
		label = "unsupported"
		out = NewOutcome(ev)
		out.Add(Fatal(KindUnsupportedDiscriminator, "discriminator", "no handler for %q", ev.Discriminator))
		out.State = StateRejected
	}

	metrics.EventDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	metrics.EventsProcessed.WithLabelValues(label, string(out.State)).Inc()
	for _, p := range out.Problems {
		metrics.Problems.WithLabelValues(string(p.Kind), string(p.Severity)).Inc()
	}
	return out
}
