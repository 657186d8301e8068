package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-pipeline/internal/logging"
	"notification-pipeline/internal/pipeline"
	"notification-pipeline/pkg/models"
)

type stubCreator struct {
	block chan struct{}
}

func (s *stubCreator) Create(ctx context.Context, req models.NotificationRequest) (pipeline.Result, error) {
	if s.block != nil {
		<-s.block
	}
	switch req.UserID {
	case "limited":
		return pipeline.Result{}, &pipeline.RateLimitedError{Rule: "user_total", Reason: "too many"}
	case "dup":
		return pipeline.Result{}, &pipeline.DuplicateError{ExistingID: "n0", Reason: "same"}
	case "broken":
		return pipeline.Result{}, errors.New("store down")
	case "batched":
		return pipeline.Result{Batched: true}, nil
	}
	return pipeline.Result{NotificationID: "n-" + req.UserID}, nil
}

func collect(t *testing.T, p *Pool, n int) []Outcome {
	t.Helper()
	out := make([]Outcome, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case o := <-p.Results():
			out = append(out, o)
		case <-timeout:
			t.Fatalf("got %d outcomes, want %d", len(out), n)
		}
	}
	return out
}

func TestPoolCountsOutcomes(t *testing.T) {
	p := NewPool(3, 10, &stubCreator{}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	for _, user := range []string{"u1", "u2", "limited", "dup", "broken", "batched"} {
		require.NoError(t, p.Submit(&models.NotificationRequest{UserID: user, Type: models.TypeFollow}))
	}

	outcomes := collect(t, p, 6)
	byUser := make(map[string]Outcome)
	for _, o := range outcomes {
		byUser[o.Request.UserID] = o
	}
	assert.Equal(t, "n-u1", byUser["u1"].Result.NotificationID)
	assert.True(t, byUser["batched"].Result.Batched)
	assert.Error(t, byUser["broken"].Err)

	m := p.Metrics()
	assert.Equal(t, int64(2), m.Processed)
	assert.Equal(t, int64(1), m.Batched)
	assert.Equal(t, int64(1), m.RateLimited)
	assert.Equal(t, int64(1), m.Duplicates)
	assert.Equal(t, int64(1), m.Failed)
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	p := NewPool(1, 1, &stubCreator{}, logging.Discard())

	require.NoError(t, p.Submit(&models.NotificationRequest{UserID: "u1"}))
	assert.ErrorIs(t, p.Submit(&models.NotificationRequest{UserID: "u2"}), ErrQueueFull)
	assert.Equal(t, 1, p.QueueSize())
}

func TestStopRejectsNewWork(t *testing.T) {
	p := NewPool(2, 4, &stubCreator{}, logging.Discard())
	p.Start(context.Background())
	require.NoError(t, p.IsHealthy())

	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.IsHealthy(), ErrStopped)
	assert.ErrorIs(t, p.Submit(&models.NotificationRequest{UserID: "u1"}), ErrStopped)
}

func TestFeedDrainsSource(t *testing.T) {
	p := NewPool(2, 1, &stubCreator{}, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	in := make(chan *models.NotificationRequest)
	done := make(chan struct{})
	go func() {
		p.Feed(ctx, in)
		close(done)
	}()

	for _, user := range []string{"a", "b", "c", "d"} {
		in <- &models.NotificationRequest{UserID: user}
	}
	close(in)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Feed did not return after the source closed")
	}
	assert.Eventually(t, func() bool { return p.Metrics().Processed == 4 }, 5*time.Second, 10*time.Millisecond)
}

func TestStopWaitsForInFlightWork(t *testing.T) {
	c := &stubCreator{block: make(chan struct{})}
	p := NewPool(1, 2, c, logging.Discard())
	p.Start(context.Background())

	require.NoError(t, p.Submit(&models.NotificationRequest{UserID: "u1"}))
	require.Eventually(t, func() bool { return p.QueueSize() == 0 }, 2*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(c.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Equal(t, int64(1), p.Metrics().Processed)
}
