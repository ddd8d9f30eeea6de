package processing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelgate/internal/auth"
)

type recordingHook struct {
	name  string
	calls *[]string
	err   error
}

func (h recordingHook) ParseCommands(_ context.Context, cc *auth.CommandContext) error {
	*h.calls = append(*h.calls, h.name+":parse")
	return h.err
}

func (h recordingHook) PrepareResponse(_ context.Context, header http.Header) error {
	*h.calls = append(*h.calls, h.name+":response")
	header.Add("X-Hook", h.name)
	return h.err
}

type qualityHook struct{}

func (qualityHook) BeforeSave(_ context.Context, opts *Options) error {
	opts.Quality = 42
	return nil
}

func TestNewHooksRejectsNil(t *testing.T) {
	_, err := NewHooks(qualityHook{}, nil)
	assert.ErrorIs(t, err, ErrNilHook)
}

func TestNewHooksRejectsHandlerWithoutStage(t *testing.T) {
	_, err := NewHooks(struct{}{})
	assert.Error(t, err)
}

func TestHooksRunInOrder(t *testing.T) {
	var calls []string
	hooks, err := NewHooks(
		recordingHook{name: "first", calls: &calls},
		qualityHook{},
		recordingHook{name: "second", calls: &calls},
	)
	require.NoError(t, err)

	require.NoError(t, hooks.ParseCommands(context.Background(), &auth.CommandContext{}))
	header := http.Header{}
	require.NoError(t, hooks.PrepareResponse(context.Background(), header))
	var opts Options
	require.NoError(t, hooks.BeforeSave(context.Background(), &opts))

	assert.Equal(t, []string{"first:parse", "second:parse", "first:response", "second:response"}, calls)
	assert.Equal(t, []string{"first", "second"}, header.Values("X-Hook"))
	assert.Equal(t, 42, opts.Quality)
}

func TestHooksStopAtFirstError(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	hooks, err := NewHooks(
		recordingHook{name: "first", calls: &calls, err: boom},
		recordingHook{name: "second", calls: &calls},
	)
	require.NoError(t, err)

	err = hooks.ParseCommands(context.Background(), &auth.CommandContext{})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, calls, 1)
}

func TestZeroHooksAreNoop(t *testing.T) {
	var hooks Hooks
	out := Output{Data: []byte("x")}
	assert.NoError(t, hooks.Processed(context.Background(), &out))
	assert.Zero(t, hooks.Len())
}
