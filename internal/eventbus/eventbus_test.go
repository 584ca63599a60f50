package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AndRoundTrip(t *testing.T) {
	e, err := New(KindProgress, "t1", ProgressPayload{Data: []byte(`{"percent":50}`)})
	require.NoError(t, err)
	assert.Equal(t, KindProgress, e.Kind)
	assert.Equal(t, "t1", e.TaskID)

	data, err := e.ToJSON()
	require.NoError(t, err)

	got, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, e.TaskID, got.TaskID)
}

func TestFromJSON_Invalid(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)
}

func TestNew_UnserializablePayload(t *testing.T) {
	_, err := New(KindStatus, "t1", make(chan int))
	assert.Error(t, err)
}
