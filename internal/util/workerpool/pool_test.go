package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_RunsJobs(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2, QueueSize: 10}, zap.NewNop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := map[string]error{}

	jobs := []Job{
		{Name: "ok", Run: func(ctx context.Context) error { return nil }},
		{Name: "fail", Run: func(ctx context.Context) error { return errors.New("boom") }},
		{Name: "panic", Run: func(ctx context.Context) error { panic("bad hook") }},
	}
	for _, job := range jobs {
		job := job
		wg.Add(1)
		job.OnDone = func(err error) {
			mu.Lock()
			results[job.Name] = err
			mu.Unlock()
			wg.Done()
		}
		require.NoError(t, p.Submit(context.Background(), job))
	}
	wg.Wait()

	assert.NoError(t, results["ok"])
	assert.EqualError(t, results["fail"], "boom")
	assert.Error(t, results["panic"])

	require.NoError(t, p.Stop(context.Background()))
	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Equal(t, uint64(2), stats.Failed)
}

func TestPool_Timeout(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1}, zap.NewNop())
	defer p.Stop(context.Background())

	done := make(chan error, 1)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	err := p.Submit(context.Background(), Job{
		Name:    "stuck",
		Timeout: 50 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-release
			return nil
		},
		OnDone: func(err error) { done <- err },
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not cut off by its timeout")
	}
	assert.Equal(t, uint64(1), p.Stats().TimedOut)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1}, zap.NewNop())
	require.NoError(t, p.Stop(context.Background()))

	err := p.Submit(context.Background(), Job{Name: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)

	err = p.TrySubmit(context.Background(), Job{Name: "late", Run: func(ctx context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, uint64(2), p.Stats().Rejected)
}

func TestStats_SuccessRate(t *testing.T) {
	assert.Equal(t, 100.0, Stats{}.SuccessRate())
	assert.Equal(t, 50.0, Stats{Completed: 1, Failed: 1}.SuccessRate())
}
