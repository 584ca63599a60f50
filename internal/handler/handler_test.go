package handler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/engine/internal/task"
	"github.com/taskmesh/engine/internal/taskctx"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("noop", func(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
		return input, nil
	})

	h, err := r.Get("noop")
	require.NoError(t, err)
	out, err := h.Run(context.Background(), json.RawMessage(`{"x":1}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(out))
}

func TestRegistry_Get_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrClassificationNotFound)
}

func TestRegistry_Classifications(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunc("a", func(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
		return nil, nil
	})
	r.RegisterFunc("b", func(ctx context.Context, input json.RawMessage, tc *taskctx.TaskContext) (json.RawMessage, error) {
		return nil, nil
	})

	assert.ElementsMatch(t, []string{"a", "b"}, r.Classifications())
}

func TestStateChangeError_ErrorAndUnwrap(t *testing.T) {
	inner := errors.New("boom")
	sce := &StateChangeError{Status: task.StatusPaused, Err: inner}

	assert.Contains(t, sce.Error(), "paused")
	assert.ErrorIs(t, sce, inner)
}

func TestStateChangeError_NoInnerErr(t *testing.T) {
	sce := &StateChangeError{Status: task.StatusCanceled}
	assert.Contains(t, sce.Error(), "canceled")
}
