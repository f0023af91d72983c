package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake/internal/domain/queue"
)

func TestNextBackoff_DoublesUpToCap(t *testing.T) {
	d := minLockBackoff
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		d = nextBackoff(d)
		seen = append(seen, d)
	}
	assert.Equal(t, 20*time.Millisecond, seen[0])
	assert.Equal(t, 40*time.Millisecond, seen[1])
	assert.Equal(t, maxLockBackoff, seen[len(seen)-1])
	for _, s := range seen {
		assert.LessOrEqual(t, s, maxLockBackoff)
	}
}

func TestNewLocker_DefaultPrefix(t *testing.T) {
	l := NewLocker(Wrap(nil, zerolog.Nop()), "", time.Second, time.Second)
	assert.Equal(t, DefaultLockPrefix, l.prefix)

	l = NewLocker(Wrap(nil, zerolog.Nop()), "test:", time.Second, time.Second)
	assert.Equal(t, "test:", l.prefix)
}

func TestNewDeadLetterQueue_DefaultStream(t *testing.T) {
	assert.Equal(t, DefaultDLQStream, NewDeadLetterQueue(nil, "").stream)
	assert.Equal(t, "other", NewDeadLetterQueue(nil, "other").stream)
}

func TestDecodeEntries_SkipsUnreadable(t *testing.T) {
	good, err := json.Marshal(queue.DeadLetter{
		ID:       "dl-1",
		EventID:  "ev-1",
		Reason:   queue.ParkRejected,
		Raw:      json.RawMessage(`{"uuid":"ev-1"}`),
		Attempts: 1,
		Problems: []queue.Problem{queue.Fatal(queue.KindMissingRequiredField, "patient.sex", "sex is required")},
	})
	require.NoError(t, err)

	msgs := []redis.XMessage{
		{ID: "1-0", Values: map[string]interface{}{"data": string(good)}},
		{ID: "2-0", Values: map[string]interface{}{"data": "{not json"}},
		{ID: "3-0", Values: map[string]interface{}{"reason": "rejected"}},
	}

	entries, skipped := decodeEntries(msgs)
	require.Len(t, entries, 1)
	assert.Equal(t, "ev-1", entries[0].EventID)
	assert.Equal(t, queue.ParkRejected, entries[0].Reason)
	require.Len(t, entries[0].Problems, 1)
	assert.Equal(t, queue.KindMissingRequiredField, entries[0].Problems[0].Kind)
	assert.Equal(t, []string{"2-0", "3-0"}, skipped)
}
