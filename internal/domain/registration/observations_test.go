package registration

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake/internal/domain/queue"
	"github.com/ehr/intake/internal/domain/registry"
	"github.com/ehr/intake/internal/platform/payload"
)

func TestDecodeCodedValue(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"1234^SECONDARY SCHOOL^99DCT", 1234, false},
		{"1234_extra", 1234, false},
		{" 1234 ", 1234, false},
		{"1234", 1234, false},
		{"abc", 0, true},
		{"^1234", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := decodeCodedValue(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseObservationCodes(t *testing.T) {
	codes, err := parseObservationCodes(DefaultObservationCodes())
	require.NoError(t, err)
	ids := make([]int, len(codes))
	for i, c := range codes {
		ids[i] = c.conceptID
	}
	assert.Equal(t, []int{1605, 1972, 1054}, ids)

	_, err = parseObservationCodes([]string{"CIVIL STATUS^99DCT"})
	assert.Error(t, err)
}

func TestObservationApplier_Apply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draft := &registry.PersonDraft{
		Sex:         "F",
		Identifiers: []registry.Identifier{{Type: f.primary, Value: "MRN-1", Preferred: true}},
		Creator:     f.clerk,
	}
	p, err := f.store.CreatePerson(ctx, draft)
	require.NoError(t, err)
	link := &registry.RegistrationLink{TemporaryID: "tmp-1", AssignedUUID: p.UUID}

	a, err := NewObservationApplier(f.store, DefaultObservationCodes())
	require.NoError(t, err)

	docFor := func(obs interface{}) *payload.Document {
		return payload.FromObject(map[string]interface{}{"observation": obs})
	}
	ev := &queue.Event{ID: "ev-1"}

	t.Run("no section", func(t *testing.T) {
		n, problems := a.Apply(ctx, ev, payload.FromObject(map[string]interface{}{}), link, f.clerk)
		assert.Zero(t, n)
		assert.Empty(t, problems)
	})

	t.Run("section is not an object", func(t *testing.T) {
		n, problems := a.Apply(ctx, ev, docFor("1605"), link, f.clerk)
		assert.Zero(t, n)
		assert.Equal(t, []queue.Kind{queue.KindMalformedObservationValue}, kinds(problems))
	})

	t.Run("no creator", func(t *testing.T) {
		n, problems := a.Apply(ctx, ev, docFor(map[string]interface{}{"1054^CIVIL STATUS^99DCT": "1057"}), link, nil)
		assert.Zero(t, n)
		assert.Equal(t, []queue.Kind{queue.KindUnresolvableReference}, kinds(problems))
	})

	t.Run("unknown person", func(t *testing.T) {
		missing := &registry.RegistrationLink{TemporaryID: "tmp-2", AssignedUUID: uuid.New()}
		n, problems := a.Apply(ctx, ev, docFor(map[string]interface{}{"1054^CIVIL STATUS^99DCT": "1057"}), missing, f.clerk)
		assert.Zero(t, n)
		assert.Equal(t, []queue.Kind{queue.KindUnresolvableReference}, kinds(problems))
	})

	t.Run("blank and non-string values", func(t *testing.T) {
		n, problems := a.Apply(ctx, ev, docFor(map[string]interface{}{
			"1054^CIVIL STATUS^99DCT": "  ",
			"1972^OCCUPATION^99DCT":   float64(1538),
		}), link, f.clerk)
		assert.Zero(t, n)
		assert.Equal(t, []queue.Kind{queue.KindMalformedObservationValue}, kinds(problems))
	})

	t.Run("appended once per event", func(t *testing.T) {
		doc := docFor(map[string]interface{}{"1054^CIVIL STATUS^99DCT": "1057^NEVER MARRIED^99DCT"})

		n, problems := a.Apply(ctx, &queue.Event{ID: "ev-9"}, doc, link, f.clerk)
		assert.Equal(t, 1, n)
		assert.Empty(t, problems)

		n, problems = a.Apply(ctx, &queue.Event{ID: "ev-9"}, doc, link, f.clerk)
		assert.Zero(t, n)
		assert.Empty(t, problems)
		assert.Len(t, f.store.Observations(), 1)
	})
}
