package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusWireFormat(t *testing.T) {
	payload, err := EncodeStatus(Status{
		Event:          EventExpectedCount,
		ExpectedCounts: map[Kind]uint64{KindStatistics: 3},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"expected_count","expected_counts":{"statistics":3}}`, string(payload))

	decoded, err := DecodeStatus([]byte(`{"event":"publication_complete","expected_counts":{"statistics":3,"description":1},"message":"done"}`))
	require.NoError(t, err)
	assert.True(t, decoded.Terminating())
	assert.Equal(t, uint64(3), decoded.ExpectedCounts[KindStatistics])
	assert.Equal(t, uint64(1), decoded.ExpectedCounts[KindDescription])
	assert.Equal(t, "done", decoded.Message)
}

func TestDecodeStatusEmptyIsProgress(t *testing.T) {
	s, err := DecodeStatus(nil)
	require.NoError(t, err)
	assert.Equal(t, EventProgress, s.Event)
	assert.False(t, s.Terminating())
}

func TestDecodeStatusRejectsGarbage(t *testing.T) {
	_, err := DecodeStatus([]byte("{not json"))
	assert.Error(t, err)

	_, err = DecodeStatus([]byte(`{"event":"rebooted"}`))
	assert.ErrorContains(t, err, `unknown event "rebooted"`)

	_, err = DecodeStatus([]byte(`{"event":"expected_count","expected_counts":{"outputs":2}}`))
	assert.ErrorContains(t, err, `unknown kind "outputs"`)
}

func TestDecodeStatusRejectsCountsForUncountedKinds(t *testing.T) {
	for _, kind := range []Kind{KindStatus, KindNegativeAck} {
		payload := []byte(`{"event":"expected_count","expected_counts":{"` + string(kind) + `":1}}`)
		_, err := DecodeStatus(payload)
		assert.ErrorContains(t, err, "carry no expected count", "kind %s", kind)
	}

	s, err := DecodeStatus([]byte(`{"event":"expected_count","expected_counts":{"description":1,"statistics":4}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s.ExpectedCounts[KindStatistics])
}
