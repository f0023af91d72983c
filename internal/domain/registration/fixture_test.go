package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
)

const primaryTypeUUID = "58a4732e-1359-11df-a1f1-0026b9348838"

var (
	nationalIDTypeUUID = uuid.MustParse("49af6cdc-7968-4abb-bf46-de10d7f4859f")
	birthCertTypeUUID  = uuid.MustParse("68449e5a-8829-44dd-bfef-c9c8cf2cb9b2")
)

type fixture struct {
	store    *registry.MemoryStore
	issuer   *fakeIssuer
	clerk    *registry.Operator
	provider *registry.Operator
	primary  *registry.IdentifierType
	location *registry.Location
	clinic   *registry.Location
}

// newFixture seeds a registry with everything a full registration needs.
// skipAttributes leaves those attribute type names unseeded.
func newFixture(t *testing.T, skipAttributes ...string) *fixture {
	t.Helper()
	m := registry.NewMemoryStore()
	f := &fixture{store: m, issuer: &fakeIssuer{}}

	f.primary = m.AddIdentifierType(&registry.IdentifierType{UUID: uuid.MustParse(primaryTypeUUID), Name: "OpenMRS ID"})
	m.AddIdentifierType(&registry.IdentifierType{UUID: nationalIDTypeUUID, Name: "National ID"})
	m.AddIdentifierType(&registry.IdentifierType{UUID: birthCertTypeUUID, Name: "Birth Certificate Number"})

	f.location = m.AddLocation(&registry.Location{ID: "1001", UUID: uuid.New(), Name: "Moi Teaching and Referral Hospital"})
	f.clinic = m.AddLocation(&registry.Location{ID: "2002", UUID: uuid.New(), Name: "Turbo Health Centre"})

	f.clerk = m.AddOperator(&registry.Operator{UUID: uuid.New(), Username: "clerk"})
	f.provider = m.AddOperator(&registry.Operator{UUID: uuid.New(), Username: "provider7"})

	skip := make(map[string]bool, len(skipAttributes))
	for _, s := range skipAttributes {
		skip[s] = true
	}
	for _, am := range DefaultAttributeMappings() {
		if skip[am.Name] {
			continue
		}
		at := &registry.AttributeType{Name: am.Name, UUID: uuid.New()}
		if am.UUID != "" {
			at.UUID = uuid.MustParse(am.UUID)
		}
		m.AddAttributeType(at)
	}

	for id, name := range map[int]string{
		1605: "HIGHEST EDUCATION LEVEL",
		1972: "OCCUPATION",
		1054: "CIVIL STATUS",
		1714: "SECONDARY SCHOOL",
		1538: "FARMER",
		1057: "NEVER MARRIED",
	} {
		m.AddConcept(&registry.Concept{ID: id, UUID: uuid.New(), Name: name})
	}
	return f
}

func (f *fixture) handler(t *testing.T, mutate ...func(*Options)) *Handler {
	t.Helper()
	opts := Options{PrimaryIdentifierType: primaryTypeUUID}
	for _, fn := range mutate {
		fn(&opts)
	}
	h, err := NewHandler(f.store, f.issuer, NewLocalLocker(), zerolog.Nop(), opts)
	require.NoError(t, err)
	return h
}

type fakeIssuer struct {
	mu        sync.Mutex
	err       error
	calls     int
	operators []string
}

func (f *fakeIssuer) Issue(_ context.Context, operatorID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.operators = append(f.operators, operatorID)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("MRN-%04d", f.calls), nil
}

func (f *fakeIssuer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// registrationPayload is a complete, valid registration.
func registrationPayload(tempID string) map[string]interface{} {
	return map[string]interface{}{
		"patient": map[string]interface{}{
			"patient.uuid":                tempID,
			"patient.given_name":          "Wanjiru",
			"patient.middle_name":         "Akinyi",
			"patient.family_name":         "Kamau",
			"patient.sex":                 "f",
			"patient.birth_date":          "1990-04-12",
			"patient.birthdate_estimated": "false",
			"patient.county":              "Uasin Gishu",
			"patient.sub_county":          "Ainabkoi",
			"patient.village":             "Kapsoya",
			"patient.mothers_name":        "Njeri",
			"patient.phone_number":        "0712345678",
			"patient.next_of_kin_name":    "Otieno",
			"patient.otheridentifier": map[string]interface{}{
				"identifier_type_uuid": nationalIDTypeUUID.String(),
				"identifier_value":     "12345678",
			},
		},
		"encounter": map[string]interface{}{
			"encounter.location_id":    "1001",
			"encounter.user_system_id": "clerk",
			"encounter.provider_id":    "provider7",
		},
		"observation": map[string]interface{}{
			"1605^HIGHEST EDUCATION LEVEL^99DCT": "1714^SECONDARY SCHOOL^99DCT",
			"1972^OCCUPATION^99DCT":              "1538^FARMER^99DCT",
		},
		"skipPatientMatching": false,
	}
}

func patientSection(p map[string]interface{}) map[string]interface{} {
	return p["patient"].(map[string]interface{})
}

func event(t *testing.T, id string, payload map[string]interface{}) *queue.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Event{
		ID:            id,
		Discriminator: Discriminator,
		Payload:       raw,
		DateCreated:   time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC),
		Creator:       "clerk",
	}
}

func kinds(problems []queue.Problem) []queue.Kind {
	out := make([]queue.Kind, len(problems))
	for i, p := range problems {
		out[i] = p.Kind
	}
	return out
}
