package spool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/printq/api"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []api.JobRecord
	err  error
}

func (r *recordingQueue) Enqueue(_ context.Context, job api.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func TestProducerRun(t *testing.T) {
	q := &recordingQueue{}
	cfg := ProducerConfig{Iterations: 6, MinFileSize: 500, MaxFileSize: 40000}
	require.NoError(t, NewProducer(q, cfg, 4242).Run(context.Background()))

	require.Len(t, q.jobs, 6)
	for i, j := range q.jobs {
		assert.Equal(t, int64(4242), j.ClientID)
		assert.Equal(t, fmt.Sprintf("File-4242-%d", i), j.Filename)
		assert.GreaterOrEqual(t, j.FileSize, int64(500))
		assert.LessOrEqual(t, j.FileSize, int64(40000))
		assert.NoError(t, j.Validate(minFilenameMax))
	}
}

func TestProducerIsDeterministicPerClient(t *testing.T) {
	cfg := ProducerConfig{Iterations: 10, MinFileSize: 1, MaxFileSize: 1 << 30}
	a, b, c := &recordingQueue{}, &recordingQueue{}, &recordingQueue{}
	require.NoError(t, NewProducer(a, cfg, 7).Run(context.Background()))
	require.NoError(t, NewProducer(b, cfg, 7).Run(context.Background()))
	require.NoError(t, NewProducer(c, cfg, 8).Run(context.Background()))

	assert.Equal(t, a.jobs, b.jobs)
	sizes := func(jobs []api.JobRecord) []int64 {
		var s []int64
		for _, j := range jobs {
			s = append(s, j.FileSize)
		}
		return s
	}
	assert.NotEqual(t, sizes(a.jobs), sizes(c.jobs))
}

func TestProducerFixedSize(t *testing.T) {
	p := NewProducer(&recordingQueue{}, ProducerConfig{MinFileSize: 10, MaxFileSize: 10}, 1)
	assert.Equal(t, int64(10), p.Job(0).FileSize)
}

func TestProducerStopsOnEnqueueError(t *testing.T) {
	q := &recordingQueue{err: api.ErrIPCFault}
	err := NewProducer(q, ProducerConfig{Iterations: 3, MinFileSize: 1, MaxFileSize: 2}, 1).Run(context.Background())
	assert.ErrorIs(t, err, api.ErrIPCFault)
	assert.Contains(t, err.Error(), "File-1-0")
}

func TestProducerSleepHonoursContext(t *testing.T) {
	q := &recordingQueue{}
	cfg := ProducerConfig{Iterations: 100, MinFileSize: 1, MaxFileSize: 2, MaxSleep: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := NewProducer(q, cfg, 1).Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEmpty(t, q.jobs)
}
