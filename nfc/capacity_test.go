package nfc

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bulkyPayload returns n fields of width characters each.
func bulkyPayload(n, width int) TagPayload {
	p := TagPayload{}
	for i := 0; i < n; i++ {
		p[fmt.Sprintf("field_%d", i)] = strings.Repeat("x", width)
	}
	return p
}

func TestPlanCapacity_Fits(t *testing.T) {
	payload := TagPayload{"name": "Drill", "serial": "SN1"}

	plan, err := PlanCapacity(payload, 1024)
	require.NoError(t, err)
	assert.False(t, plan.Compacted)
	assert.Zero(t, plan.CompactSize)
	assert.Equal(t, len(plan.Message), plan.OriginalSize)
	assert.Equal(t, payload, plan.Payload)

	records, err := ParseMessage(plan.Message)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `{"name":"Drill","serial":"SN1"}`, DecodeText(records[0].Payload))
}

func TestPlanCapacity_NoLimit(t *testing.T) {
	plan, err := PlanCapacity(bulkyPayload(50, 200), 0)
	require.NoError(t, err)
	assert.False(t, plan.Compacted)
	assert.Greater(t, plan.OriginalSize, 10000)
}

func TestPlanCapacity_Compacts(t *testing.T) {
	payload := bulkyPayload(10, 190)

	plan, err := PlanCapacity(payload, 500)
	require.NoError(t, err)
	assert.True(t, plan.Compacted)
	assert.Greater(t, plan.OriginalSize, 2000)
	assert.LessOrEqual(t, plan.CompactSize, 500)
	assert.Equal(t, len(plan.Message), plan.CompactSize)

	for k, v := range plan.Payload {
		s := v.(string)
		assert.Equal(t, strings.Repeat("x", 30)+"...", s, k)
	}
	assert.Equal(t, strings.Repeat("x", 190), payload["field_0"], "input must not be modified")
}

func TestPlanCapacity_Exceeded(t *testing.T) {
	payload := bulkyPayload(10, 190)
	full, err := encodePayloadMessage(payload)
	require.NoError(t, err)
	compact, err := encodePayloadMessage(CompactPayload(payload))
	require.NoError(t, err)

	_, err = PlanCapacity(payload, 200)
	require.Error(t, err)

	var nfcErr *NFCError
	require.True(t, errors.As(err, &nfcErr))
	assert.Equal(t, CategoryCapacityExceeded, nfcErr.Category)
	assert.Contains(t, err.Error(), fmt.Sprint(len(full)))
	assert.Contains(t, err.Error(), fmt.Sprint(len(compact)))
	assert.Contains(t, err.Error(), "200")
}

func TestCompactPayload_ReservedKeysUntouched(t *testing.T) {
	longID := strings.Repeat("7", 40)
	longPassword := strings.Repeat("p", 40)
	payload := TagPayload{
		KeyID:       longID,
		KeyPassword: longPassword,
		KeyLocked:   true,
		"note":      strings.Repeat("n", 31),
		"short":     strings.Repeat("s", 30),
		"count":     "12",
	}

	out := CompactPayload(payload)
	assert.Equal(t, longID, out[KeyID])
	assert.Equal(t, longPassword, out[KeyPassword])
	assert.Equal(t, true, out[KeyLocked])
	assert.Equal(t, strings.Repeat("n", 30)+"...", out["note"])
	assert.Equal(t, strings.Repeat("s", 30), out["short"])
}

func TestCompactPayload_CountsCharacters(t *testing.T) {
	out := CompactPayload(TagPayload{"label": strings.Repeat("ü", 40)})
	s := out["label"].(string)
	assert.True(t, utf8.ValidString(s))
	assert.Equal(t, 33, utf8.RuneCountInString(s))
}

func TestPlanCapacity_NeverExceedsLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		payload := bulkyPayload(1+rng.Intn(12), rng.Intn(120))
		maxSize := 40 + rng.Intn(900)

		plan, err := PlanCapacity(payload, maxSize)
		if err != nil {
			var nfcErr *NFCError
			require.True(t, errors.As(err, &nfcErr))
			assert.Equal(t, CategoryCapacityExceeded, nfcErr.Category)
			continue
		}
		assert.LessOrEqual(t, len(plan.Message), maxSize)
	}
}
