package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("registry: not found")
	ErrLinkExists        = errors.New("registry: registration link already exists")
	ErrObservationExists = errors.New("registry: observation already recorded for event")
)

// Registry is the person registry the intake pipeline reconciles against.
// Lookups return ErrNotFound when nothing matches; retired reference data is
// never returned.
type Registry interface {
	IdentifierTypeByUUID(ctx context.Context, id uuid.UUID) (*IdentifierType, error)
	IdentifierTypeByName(ctx context.Context, name string) (*IdentifierType, error)
	AttributeTypeByUUID(ctx context.Context, id uuid.UUID) (*AttributeType, error)
	AttributeTypeByName(ctx context.Context, name string) (*AttributeType, error)
	LocationByID(ctx context.Context, id string) (*Location, error)
	OperatorByUsername(ctx context.Context, username string) (*Operator, error)
	ConceptByID(ctx context.Context, id int) (*Concept, error)

	// SearchPersonsByName returns persons with a name part starting with the
	// stem of any token in name, those sharing the most stems first. It is a
	// candidate fetch: similarity is for the caller to decide.
	SearchPersonsByName(ctx context.Context, name string, limit int) ([]*Person, error)
	SearchPersonsByIdentifier(ctx context.Context, value string, limit int) ([]*Person, error)
	PersonByUUID(ctx context.Context, id uuid.UUID) (*Person, error)
	CreatePerson(ctx context.Context, draft *PersonDraft) (*Person, error)

	RegistrationLinkByTemporaryID(ctx context.Context, temporaryID string) (*RegistrationLink, error)
	// CreateRegistrationLink returns ErrLinkExists when the temporary id is
	// already linked.
	CreateRegistrationLink(ctx context.Context, link *RegistrationLink) error

	// AppendObservation returns ErrObservationExists when the same event
	// already recorded this concept.
	AppendObservation(ctx context.Context, obs *Observation) error

	// InTx runs fn in one transaction; every call made with the ctx passed
	// to fn joins it.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

var (
	errNoIdentifier = errors.New("create person: at least one identifier is required")
	errNoCreator    = errors.New("create person: creator is required")
)

// nameStemLen is how many leading letters of a search token a name part has
// to share with it.
const nameStemLen = 3

// nameStems lowercases name and returns the distinct leading letters of each
// of its tokens.
func nameStems(name string) []string {
	var stems []string
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(name)) {
		if r := []rune(tok); len(r) > nameStemLen {
			tok = string(r[:nameStemLen])
		}
		if !seen[tok] {
			seen[tok] = true
			stems = append(stems, tok)
		}
	}
	return stems
}
