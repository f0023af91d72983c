package registration

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/intake/internal/domain/registry"
)

// Tracker creates at most one person per temporary id.
type Tracker struct {
	reg registry.Registry
}

func NewTracker(reg registry.Registry) *Tracker {
	return &Tracker{reg: reg}
}

// Lookup returns the link for tempID, or nil when there is none yet.
func (t *Tracker) Lookup(ctx context.Context, tempID string) (*registry.RegistrationLink, error) {
	link, err := t.reg.RegistrationLinkByTemporaryID(ctx, tempID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil, nil
	}
	return link, err
}

// Register returns the existing link for tempID, or creates the person and
// its link in one transaction. created is false when the link already
// existed, including when a concurrent worker won the insert race.
func (t *Tracker) Register(ctx context.Context, tempID string, draft *registry.PersonDraft) (*registry.RegistrationLink, bool, error) {
	var link *registry.RegistrationLink
	created := false

	err := t.reg.InTx(ctx, func(ctx context.Context) error {
		existing, err := t.Lookup(ctx, tempID)
		if err != nil {
			return fmt.Errorf("find registration link: %w", err)
		}
		if existing != nil {
			link = existing
			return nil
		}

		person, err := t.reg.CreatePerson(ctx, draft)
		if err != nil {
			return fmt.Errorf("create person: %w", err)
		}

		l := &registry.RegistrationLink{TemporaryID: tempID, AssignedUUID: person.UUID}
		if err := t.reg.CreateRegistrationLink(ctx, l); err != nil {
			// Also returned for registry.ErrLinkExists so the person rolls back.
			return fmt.Errorf("create registration link: %w", err)
		}
		link = l
		created = true
		return nil
	})

	if errors.Is(err, registry.ErrLinkExists) {
		winner, lerr := t.Lookup(ctx, tempID)
		if lerr != nil {
			return nil, false, fmt.Errorf("re-read registration link: %w", lerr)
		}
		if winner == nil {
			return nil, false, err
		}
		return winner, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return link, created, nil
}
