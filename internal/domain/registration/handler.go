// Package registration reconciles queued JSON registrations against the
// person registry: it builds a draft person from the payload, checks it for
// duplicates, creates it once per temporary id and appends the coded
// observations that came with it.
package registration

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/idgen"
	"github.com/ehr/intake/internal/platform/payload"
	"github.com/ehr/intake/internal/platform/tracing"
)

type Options struct {
	// PrimaryIdentifierType is the uuid or name of the type given to issued
	// identifiers.
	PrimaryIdentifierType string
	MatchThreshold        float64
	// RejectDuplicates makes a duplicate candidate fatal.
	RejectDuplicates bool
	MatchSearchLimit int
	Attributes       []AttributeMapping
	ObservationCodes []string
}

func (o Options) withDefaults() Options {
	if o.MatchThreshold == 0 {
		o.MatchThreshold = 0.85
	}
	if len(o.Attributes) == 0 {
		o.Attributes = DefaultAttributeMappings()
	}
	if len(o.ObservationCodes) == 0 {
		o.ObservationCodes = DefaultObservationCodes()
	}
	return o
}

// Handler processes json-registration events.
type Handler struct {
	reg          registry.Registry
	issuer       idgen.Issuer
	locker       Locker
	logger       zerolog.Logger
	opts         Options
	matcher      *Matcher
	tracker      *Tracker
	observations *ObservationApplier
}

func NewHandler(reg registry.Registry, issuer idgen.Issuer, locker Locker, logger zerolog.Logger, opts Options) (*Handler, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(opts.PrimaryIdentifierType) == "" {
		return nil, fmt.Errorf("registration: primary identifier type is required")
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	obs, err := NewObservationApplier(reg, opts.ObservationCodes)
	if err != nil {
		return nil, fmt.Errorf("registration: %w", err)
	}
	return &Handler{
		reg:          reg,
		issuer:       issuer,
		locker:       locker,
		logger:       logger.With().Str("discriminator", Discriminator).Logger(),
		opts:         opts,
		matcher:      NewMatcher(reg, opts.MatchThreshold, opts.MatchSearchLimit),
		tracker:      NewTracker(reg),
		observations: obs,
	}, nil
}

func (h *Handler) Discriminator() string {
	return Discriminator
}

// Handle runs one event to a terminal state. Problems are collected on the
// outcome; nothing is returned early as an error.
func (h *Handler) Handle(ctx context.Context, ev *queue.Event) *queue.Outcome {
	ctx, span := tracing.StartSpan(ctx, "registration.Handle")
	defer span.End()

	out := queue.NewOutcome(ev)
	log := h.logger.With().Str("event_id", ev.ID).Logger()

	doc, err := payload.Parse(ev.Payload)
	if err != nil {
		out.Add(queue.Fatal(queue.KindMalformedField, "payload", "payload is not a JSON object").WithErr(err))
		h.transition(out, queue.StateRejected)
		return out
	}

	tempID, ok, _ := doc.TrimmedString(pathTemporaryID)
	if !ok {
		tempID = strings.TrimSpace(ev.PatientUUID)
	}
	if tempID == "" {
		out.Add(queue.Fatal(queue.KindMissingRequiredField, pathTemporaryID, "temporary patient id is required"))
		h.transition(out, queue.StateRejected)
		return out
	}
	out.TemporaryID = tempID
	log = log.With().Str("temporary_id", tempID).Logger()

	err = h.locker.WithLock(ctx, tempID, func(ctx context.Context) error {
		h.process(ctx, log, ev, doc, out)
		return nil
	})
	if err != nil {
		out.Add(queue.Fatal(queue.KindExternalServiceFailure, "lock",
			"could not lock temporary id %s", tempID).WithErr(err).AsRetryable())
		h.transition(out, queue.StateFailed)
	}

	log.Debug().Str("state", string(out.State)).Int("problems", len(out.Problems)).Msg("registration handled")
	return out
}

func (h *Handler) process(ctx context.Context, log zerolog.Logger, ev *queue.Event, doc *payload.Document, out *queue.Outcome) {
	link, err := h.tracker.Lookup(ctx, out.TemporaryID)
	if err != nil {
		out.Add(registryFailure("registration_link", err))
		h.transition(out, queue.StateFailed)
		return
	}

	var draft registry.PersonDraft
	if link != nil {
		// Already registered: only the observation pass is left.
		out.Replayed = true
		h.transition(out, queue.StateRegistering)
		log.Info().Str("assigned_uuid", link.AssignedUUID.String()).Msg("registration replayed")
	} else {
		h.transition(out, queue.StateValidating)
		draft = h.validate(ctx, doc, out)
		if out.HasFatal() {
			h.transition(out, queue.StateRejected)
			return
		}
		h.transition(out, queue.StateValid)
		h.transition(out, queue.StateRegistering)

		var created bool
		link, created, err = h.tracker.Register(ctx, out.TemporaryID, &draft)
		if err != nil {
			out.Add(queue.Fatal(queue.KindPersistenceFailure, "registration", "person could not be registered").
				WithErr(err).AsRetryable())
			h.transition(out, queue.StateFailed)
			return
		}
		if created {
			log.Info().Str("assigned_uuid", link.AssignedUUID.String()).Msg("person registered")
		} else {
			log.Info().Str("assigned_uuid", link.AssignedUUID.String()).Msg("registration link already created concurrently")
		}
	}
	out.AssignedUUID = link.AssignedUUID.String()

	creator := h.observationCreator(ctx, ev, doc, draft.Creator)
	n, problems := h.observations.Apply(ctx, ev, doc, link, creator)
	out.Add(problems...)
	if n > 0 {
		log.Debug().Int("count", n).Msg("observations appended")
	}
	h.transition(out, queue.StateObservationsApplied)
}

// validate builds the draft and runs the duplicate check, which is reported
// whatever the build found.
func (h *Handler) validate(ctx context.Context, doc *payload.Document, out *queue.Outcome) registry.PersonDraft {
	b := &builder{reg: h.reg, issuer: h.issuer, opts: h.opts, doc: doc}
	draft, problems := b.build(ctx)
	out.Add(problems...)

	skip, _, err := doc.Bool(pathSkipPatientMatching)
	if err != nil {
		out.Add(malformed(pathSkipPatientMatching, err, false))
	}
	if skip {
		return draft
	}

	candidates, err := h.matcher.FindDuplicates(ctx, &draft)
	if err != nil {
		out.Add(queue.Warning(queue.KindPersistenceFailure, "duplicate_check", "duplicate search failed").WithErr(err))
		return draft
	}
	for _, c := range candidates {
		out.Add(h.duplicateProblem(c))
	}
	return draft
}

func (h *Handler) duplicateProblem(c Candidate) queue.Problem {
	identifier := ""
	if pref := c.Person.PreferredIdentifier(); pref != nil {
		identifier = pref.Value
	}
	mk := queue.Warning
	if h.opts.RejectDuplicates {
		mk = queue.Fatal
	}
	return mk(queue.KindDuplicateCandidateFound, "patient",
		"found a patient with similar characteristics: patient %s, identifier %q, score %.2f",
		c.Person.UUID, identifier, c.Score)
}

// observationCreator prefers the operator that queued the event, then the
// draft's creator, then the creator named in the payload.
func (h *Handler) observationCreator(ctx context.Context, ev *queue.Event, doc *payload.Document, draftCreator *registry.Operator) *registry.Operator {
	if ev.Creator != "" {
		if op, err := h.reg.OperatorByUsername(ctx, ev.Creator); err == nil {
			return op
		}
	}
	if draftCreator != nil {
		return draftCreator
	}
	op, _ := resolveCreator(ctx, h.reg, doc)
	return op
}

func (h *Handler) transition(out *queue.Outcome, to queue.State) {
	if err := out.Transition(to); err != nil {
		h.logger.Error().Err(err).Str("event_id", out.EventID).Msg("outcome transition")
	}
}
