package registration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/metrics"
	"github.com/ehr/intake/internal/platform/payload"
)

// DefaultObservationCodes are the compound codes read from the observation
// section when Options leaves ObservationCodes empty.
func DefaultObservationCodes() []string {
	return []string{
		"1605^HIGHEST EDUCATION LEVEL^99DCT",
		"1972^OCCUPATION^99DCT",
		"1054^CIVIL STATUS^99DCT",
	}
}

type observationCode struct {
	code      string
	conceptID int
}

// parseObservationCodes extracts the leading concept id of each
// code^label^source entry.
func parseObservationCodes(codes []string) ([]observationCode, error) {
	out := make([]observationCode, 0, len(codes))
	for _, c := range codes {
		id, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(c, "^", 2)[0]))
		if err != nil {
			return nil, fmt.Errorf("observation code %q: concept id must be a leading integer", c)
		}
		out = append(out, observationCode{code: c, conceptID: id})
	}
	return out, nil
}

// decodeCodedValue returns the answer concept id carried by an observation
// value such as "1234^Label" or "1234_extra".
func decodeCodedValue(v string) (int, error) {
	parts := strings.Split(strings.ReplaceAll(v, "^", "_"), "_")
	return strconv.Atoi(strings.TrimSpace(parts[0]))
}

// ObservationApplier appends the coded observations of an event to the
// person registered for it.
type ObservationApplier struct {
	reg   registry.Registry
	codes []observationCode
}

func NewObservationApplier(reg registry.Registry, codes []string) (*ObservationApplier, error) {
	parsed, err := parseObservationCodes(codes)
	if err != nil {
		return nil, err
	}
	return &ObservationApplier{reg: reg, codes: parsed}, nil
}

func (a *ObservationApplier) match(key string) (observationCode, bool) {
	for _, c := range a.codes {
		if strings.EqualFold(c.code, key) {
			return c, true
		}
	}
	return observationCode{}, false
}

// Apply records one observation per recognised entry and returns how many
// were appended. Every failure is a warning; one bad entry never blocks
// the others.
func (a *ObservationApplier) Apply(ctx context.Context, ev *queue.Event, doc *payload.Document, link *registry.RegistrationLink, creator *registry.Operator) (int, []queue.Problem) {
	section, ok, err := doc.Object(pathObservation)
	if err != nil {
		return 0, []queue.Problem{queue.Warning(queue.KindMalformedObservationValue, pathObservation,
			"observation section must be an object").WithErr(err)}
	}
	if !ok {
		return 0, nil
	}

	person, err := a.reg.PersonByUUID(ctx, link.AssignedUUID)
	if err != nil {
		return 0, []queue.Problem{queue.Warning(queue.KindUnresolvableReference, pathObservation,
			"registered person %s could not be loaded", link.AssignedUUID).WithErr(err)}
	}
	if creator == nil {
		return 0, []queue.Problem{queue.Warning(queue.KindUnresolvableReference, pathObservation,
			"no operator to record observations as")}
	}

	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var problems []queue.Problem
	applied := 0
	for _, key := range keys {
		code, ok := a.match(key)
		if !ok {
			continue
		}
		field := payload.Key("observation", key)

		raw, isString := section[key].(string)
		if !isString {
			problems = append(problems, queue.Warning(queue.KindMalformedObservationValue, field,
				"observation value must be a string"))
			continue
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}

		answerID, err := decodeCodedValue(raw)
		if err != nil {
			problems = append(problems, queue.Warning(queue.KindMalformedObservationValue, field,
				"value %q does not start with a concept id", raw).WithErr(err))
			continue
		}

		if _, err := a.reg.ConceptByID(ctx, code.conceptID); err != nil {
			problems = append(problems, conceptProblem(err, field, "unknown question concept %d", code.conceptID))
			continue
		}
		if _, err := a.reg.ConceptByID(ctx, answerID); err != nil {
			problems = append(problems, conceptProblem(err, field, "unknown answer concept %d", answerID))
			continue
		}

		obs := &registry.Observation{
			PersonUUID:    person.UUID,
			ConceptID:     code.conceptID,
			ValueCodedID:  answerID,
			ObsDatetime:   ev.DateCreated,
			CreatorID:     creator.ID,
			DateCreated:   ev.DateCreated,
			SourceEventID: ev.ID,
		}
		err = a.reg.AppendObservation(ctx, obs)
		switch {
		case errors.Is(err, registry.ErrObservationExists):
		case err != nil:
			problems = append(problems, queue.Warning(queue.KindPersistenceFailure, field,
				"observation for concept %d not saved", code.conceptID).WithErr(err))
		default:
			applied++
			metrics.ObservationsAppended.Inc()
		}
	}
	return applied, problems
}

func conceptProblem(err error, field, format string, args ...interface{}) queue.Problem {
	if errors.Is(err, registry.ErrNotFound) {
		return queue.Warning(queue.KindMalformedObservationValue, field, format, args...)
	}
	return queue.Warning(queue.KindPersistenceFailure, field, "concept lookup failed").WithErr(err)
}
