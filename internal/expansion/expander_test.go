package expansion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/course-coach/backend/internal/llm"
	"github.com/course-coach/backend/internal/storage/models"
)

type fakeProvider struct {
	response string
	err      error
	errOnce  error
	calls    int
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	if f.errOnce != nil {
		err := f.errOnce
		f.errOnce = nil
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.response}, nil
}

func TestExpandEmptyConcepts(t *testing.T) {
	provider := &fakeProvider{}
	e := New(provider, time.Minute)

	got := e.Expand(context.Background(), nil, models.IntentGeneral)

	assert.Empty(t, got)
	assert.Equal(t, 0, provider.calls)
}

func TestExpandUnionsOriginalsAndVariants(t *testing.T) {
	provider := &fakeProvider{response: `{"variants": ["keyword analysis", "search term research"]}`}
	e := New(provider, time.Minute)

	got := e.Expand(context.Background(), []string{"keyword research"}, models.IntentGeneral)

	assert.Equal(t, []string{"keyword research", "keyword analysis", "search term research"}, got)
}

func TestExpandRejectsMalformedVariants(t *testing.T) {
	provider := &fakeProvider{response: `{"variants": ["Keyword Analysis!", "keyword research", "", "valid variant"]}`}
	e := New(provider, time.Minute)

	got := e.Expand(context.Background(), []string{"keyword research"}, models.IntentGeneral)

	// The uppercase variant is lowercased but fails on punctuation, the echo
	// of the concept itself is dropped, and the empty string is dropped.
	assert.Equal(t, []string{"keyword research", "valid variant"}, got)
}

func TestExpandProviderFailureKeepsOriginals(t *testing.T) {
	provider := &fakeProvider{err: errors.New("provider down")}
	e := New(provider, time.Minute)

	got := e.Expand(context.Background(), []string{"keyword research", "seo basics"}, models.IntentGeneral)

	assert.Equal(t, []string{"keyword research", "seo basics"}, got)
}

func TestExpandProviderFailureIsNotCached(t *testing.T) {
	provider := &fakeProvider{
		errOnce:  errors.New("provider down"),
		response: `{"variants": ["keyword analysis"]}`,
	}
	e := New(provider, time.Minute)
	ctx := context.Background()

	got := e.Expand(ctx, []string{"keyword research"}, models.IntentGeneral)
	assert.Equal(t, []string{"keyword research"}, got)

	// The provider recovered; the earlier failure must not pin an empty
	// expansion for the TTL.
	got = e.Expand(ctx, []string{"keyword research"}, models.IntentGeneral)
	assert.Equal(t, []string{"keyword research", "keyword analysis"}, got)
	assert.Equal(t, 2, provider.calls)
}

func TestExpandCachesPerConceptAndIntent(t *testing.T) {
	provider := &fakeProvider{response: `{"variants": ["keyword analysis"]}`}
	e := New(provider, time.Minute)
	ctx := context.Background()

	e.Expand(ctx, []string{"keyword research"}, models.IntentGeneral)
	e.Expand(ctx, []string{"keyword research"}, models.IntentGeneral)
	assert.Equal(t, 1, provider.calls)

	e.Expand(ctx, []string{"keyword research"}, models.IntentDefinition)
	assert.Equal(t, 2, provider.calls, "intent is part of the cache key")
}

func TestExpandDeduplicatesAcrossConcepts(t *testing.T) {
	provider := &fakeProvider{response: `{"variants": ["shared variant"]}`}
	e := New(provider, time.Minute)

	got := e.Expand(context.Background(), []string{"concept one", "concept two"}, models.IntentGeneral)

	assert.Equal(t, []string{"concept one", "concept two", "shared variant"}, got)
}
