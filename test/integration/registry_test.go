//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/registry"
)

const primaryTypeUUID = "58a4732e-1359-11df-a1f1-0026b9348838"

func TestStore_ReferenceLookups(t *testing.T) {
	s := newSchema(t)
	ctx := context.Background()

	it, err := s.Store.IdentifierTypeByUUID(ctx, uuid.MustParse(primaryTypeUUID))
	if err != nil {
		t.Fatalf("IdentifierTypeByUUID: %v", err)
	}
	if it.Name != "OpenMRS ID" {
		t.Errorf("identifier type name = %q", it.Name)
	}
	if _, err := s.Store.IdentifierTypeByName(ctx, "openmrs id"); err != nil {
		t.Errorf("IdentifierTypeByName is case sensitive: %v", err)
	}
	if _, err := s.Store.AttributeTypeByName(ctx, "MOTHER'S NAME"); err != nil {
		t.Errorf("AttributeTypeByName: %v", err)
	}
	if c, err := s.Store.ConceptByID(ctx, 1605); err != nil || c.Name != "HIGHEST EDUCATION LEVEL" {
		t.Errorf("ConceptByID(1605) = %+v, %v", c, err)
	}
	if l, err := s.Store.LocationByID(ctx, "1001"); err != nil || l.UUID != s.Location.UUID {
		t.Errorf("LocationByID = %+v, %v", l, err)
	}
	if op, err := s.Store.OperatorByUsername(ctx, "clerk"); err != nil || op.ID != s.Clerk.ID {
		t.Errorf("OperatorByUsername = %+v, %v", op, err)
	}

	if _, err := s.Store.IdentifierTypeByUUID(ctx, uuid.New()); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Store.LocationByID(ctx, "9999"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Store.ConceptByID(ctx, 1); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testDraft(t *testing.T, s *seeded, value string, name registry.PersonName) *registry.PersonDraft {
	t.Helper()
	ctx := context.Background()
	it, err := s.Store.IdentifierTypeByUUID(ctx, uuid.MustParse(primaryTypeUUID))
	if err != nil {
		t.Fatalf("primary identifier type: %v", err)
	}
	mother, err := s.Store.AttributeTypeByName(ctx, "Mother's Name")
	if err != nil {
		t.Fatalf("attribute type: %v", err)
	}
	born := time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC)
	return &registry.PersonDraft{
		Name:        &name,
		BirthDate:   &born,
		Sex:         "F",
		Identifiers: []registry.Identifier{{Type: it, Value: value, Preferred: true, Location: s.Location}},
		Addresses:   []registry.Address{{CountyDistrict: "Uasin Gishu", CityVillage: "Kapsoya"}},
		Attributes:  []registry.Attribute{{Type: mother, Value: "Njeri"}},
		Creator:     s.Clerk,
	}
}

func TestStore_CreatePersonAndSearch(t *testing.T) {
	s := newSchema(t)
	ctx := context.Background()

	p, err := s.Store.CreatePerson(ctx, testDraft(t, s, "MRN-1", registry.PersonName{Given: "Wanjiru", Middle: "Akinyi", Family: "Kamau"}))
	if err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}
	if p.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	got, err := s.Store.PersonByUUID(ctx, p.UUID)
	if err != nil {
		t.Fatalf("PersonByUUID: %v", err)
	}
	if got.Name.Full() != "Wanjiru Akinyi Kamau" || got.Sex != "F" || got.CreatorID != s.Clerk.ID {
		t.Errorf("unexpected person: %+v", got)
	}
	pref := got.PreferredIdentifier()
	if pref == nil || pref.Value != "MRN-1" || pref.Location == nil || pref.Location.ID != "1001" {
		t.Errorf("preferred identifier = %+v", pref)
	}

	byName, err := s.Store.SearchPersonsByName(ctx, "wanj kam", 10)
	if err != nil {
		t.Fatalf("SearchPersonsByName: %v", err)
	}
	if len(byName) != 1 || byName[0].UUID != p.UUID {
		t.Errorf("SearchPersonsByName = %v", byName)
	}
	// Near misses are fetched; scoring them is the matcher's job.
	nearMiss, err := s.Store.SearchPersonsByName(ctx, "Wanjiro Kamao", 10)
	if err != nil || len(nearMiss) != 1 || nearMiss[0].UUID != p.UUID {
		t.Errorf("SearchPersonsByName(near miss) = %v, %v", nearMiss, err)
	}
	none, err := s.Store.SearchPersonsByName(ctx, "achieng otieno", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("SearchPersonsByName(no match) = %v, %v", none, err)
	}
	// LIKE wildcards in a name are literal.
	none, err = s.Store.SearchPersonsByName(ctx, "%", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("SearchPersonsByName(%%) = %v, %v", none, err)
	}

	byID, err := s.Store.SearchPersonsByIdentifier(ctx, "MRN-1", 10)
	if err != nil || len(byID) != 1 {
		t.Errorf("SearchPersonsByIdentifier = %v, %v", byID, err)
	}
}

func TestStore_RegistrationLinkIsUnique(t *testing.T) {
	s := newSchema(t)
	ctx := context.Background()
	p, err := s.Store.CreatePerson(ctx, testDraft(t, s, "MRN-1", registry.PersonName{Given: "Achieng", Family: "Otieno"}))
	if err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}

	first := &registry.RegistrationLink{TemporaryID: "tmp-1", AssignedUUID: p.UUID}
	if err := s.Store.CreateRegistrationLink(ctx, first); err != nil {
		t.Fatalf("CreateRegistrationLink: %v", err)
	}
	if first.ID == 0 || first.CreatedAt.IsZero() {
		t.Errorf("link not populated: %+v", first)
	}

	err = s.Store.CreateRegistrationLink(ctx, &registry.RegistrationLink{TemporaryID: "tmp-1", AssignedUUID: p.UUID})
	if !errors.Is(err, registry.ErrLinkExists) {
		t.Errorf("expected ErrLinkExists, got %v", err)
	}

	got, err := s.Store.RegistrationLinkByTemporaryID(ctx, "tmp-1")
	if err != nil || got.AssignedUUID != p.UUID {
		t.Errorf("RegistrationLinkByTemporaryID = %+v, %v", got, err)
	}
	if _, err := s.Store.RegistrationLinkByTemporaryID(ctx, "tmp-2"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_InTxRollsBack(t *testing.T) {
	s := newSchema(t)
	ctx := context.Background()
	boom := errors.New("boom")

	var created *registry.Person
	err := s.Store.InTx(ctx, func(ctx context.Context) error {
		p, err := s.Store.CreatePerson(ctx, testDraft(t, s, "MRN-1", registry.PersonName{Given: "Achieng", Family: "Otieno"}))
		if err != nil {
			return err
		}
		created = p
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v", err)
	}
	if _, err := s.Store.PersonByUUID(ctx, created.UUID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("person survived rollback: %v", err)
	}
}

func TestStore_ObservationDedupByEvent(t *testing.T) {
	s := newSchema(t)
	ctx := context.Background()
	p, err := s.Store.CreatePerson(ctx, testDraft(t, s, "MRN-1", registry.PersonName{Given: "Achieng", Family: "Otieno"}))
	if err != nil {
		t.Fatalf("CreatePerson: %v", err)
	}

	obs := func() *registry.Observation {
		return &registry.Observation{
			PersonUUID:    p.UUID,
			ConceptID:     1054,
			ValueCodedID:  1057,
			ObsDatetime:   time.Now().UTC(),
			CreatorID:     s.Clerk.ID,
			SourceEventID: "ev-1",
		}
	}
	if err := s.Store.AppendObservation(ctx, obs()); err != nil {
		t.Fatalf("AppendObservation: %v", err)
	}
	if err := s.Store.AppendObservation(ctx, obs()); !errors.Is(err, registry.ErrObservationExists) {
		t.Errorf("expected ErrObservationExists, got %v", err)
	}

	other := obs()
	other.SourceEventID = "ev-2"
	if err := s.Store.AppendObservation(ctx, other); err != nil {
		t.Errorf("AppendObservation for another event: %v", err)
	}
}
