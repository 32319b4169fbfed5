package llmclient

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limited wraps a Client with a weighted semaphore bounding how many calls
// run concurrently across every run sharing it, realizing SPEC_FULL.md
// section 5's "LLM call slot" resource row (default weight 10) as a plain
// interface decorator rather than a change to the engine itself.
type Limited struct {
	inner Client
	sem   *semaphore.Weighted
}

// NewLimited returns a Client that acquires one unit of sem before
// delegating to inner and releases it once the call returns.
func NewLimited(inner Client, sem *semaphore.Weighted) *Limited {
	return &Limited{inner: inner, sem: sem}
}

func (l *Limited) Complete(ctx context.Context, req CompleteRequest) (CompleteResponse, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return CompleteResponse{}, err
	}
	defer l.sem.Release(1)
	return l.inner.Complete(ctx, req)
}

func (l *Limited) Stream(ctx context.Context, req CompleteRequest, onChunk func(StreamChunk)) (CompleteResponse, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return CompleteResponse{}, err
	}
	defer l.sem.Release(1)
	return l.inner.Stream(ctx, req, onChunk)
}
