//go:build linux

package spool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/printq/api"
)

type QueueTestSuite struct {
	suite.Suite
	ctx context.Context
	cfg QueueConfig
}

func (s *QueueTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = DefaultConfig().Queue
	s.cfg.Dir = s.T().TempDir()
	s.cfg.ProbeInterval = 10 * time.Millisecond
	s.cfg.AttachTimeout = 0
}

func (s *QueueTestSuite) bootstrap(capacity int) *Queue {
	s.cfg.Capacity = capacity
	q, err := Bootstrap(s.ctx, s.cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = q.Destroy() })
	return q
}

func (s *QueueTestSuite) attach() *Queue {
	q, err := Attach(s.ctx, s.cfg)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = q.Close() })
	return q
}

func (s *QueueTestSuite) enqueueAll(q *Queue, names ...string) {
	for _, n := range names {
		s.Require().NoError(q.Enqueue(s.ctx, job(1, n)))
	}
}

func (s *QueueTestSuite) dequeueNames(q *Queue, n int) []string {
	var names []string
	for i := 0; i < n; i++ {
		j, err := q.Dequeue(s.ctx)
		s.Require().NoError(err)
		names = append(names, j.Filename)
	}
	return names
}

// assertQuiescent checks the slot counts against the store while no
// operation is in flight.
func (s *QueueTestSuite) assertQuiescent(q *Queue) {
	st := q.Stats()
	s.Equal(st.Capacity, st.Empty+st.Full, "empty + full == capacity")
	s.Equal(st.Length, st.Full, "full == length")
	s.NoError(q.Verify(s.ctx))
}

func (s *QueueTestSuite) TestBootstrapInitialState() {
	q := s.bootstrap(5)
	st := q.Stats()
	s.Equal(5, st.Capacity)
	s.Equal(0, st.Length)
	s.Equal(5, st.Empty)
	s.Equal(0, st.Full)
	s.Equal(1, int(q.mutex.Value()))
	s.NotEqual([16]byte{}, [16]byte(st.Session))
	s.NoError(q.Check())
	s.NoError(q.Verify(s.ctx))
}

func (s *QueueTestSuite) TestBootstrapReplacesStaleQueue() {
	first := s.bootstrap(3)
	s.enqueueAll(first, "a", "b")
	firstSession := first.Session()
	s.Require().NoError(first.Close())

	second := s.bootstrap(3)
	st := second.Stats()
	s.Equal(0, st.Length)
	s.Equal(3, st.Empty)
	s.Equal(0, st.Full)
	s.NotEqual(firstSession, second.Session())
	s.Equal(firstSession, first.Session(), "session survives Close")
}

func (s *QueueTestSuite) TestStatsAfterClose() {
	q := s.bootstrap(3)
	s.enqueueAll(q, "a")
	session := q.Session()
	s.Require().NoError(q.Close())

	st := q.Stats()
	s.Equal(session, st.Session)
	s.Equal(3, st.Capacity)
	s.False(st.CreatedAt.IsZero())
	s.Zero(st.Length)
	s.Zero(st.Empty)
	s.Zero(st.Full)
}

func (s *QueueTestSuite) TestAttachMissing() {
	_, err := Attach(s.ctx, s.cfg)
	s.ErrorIs(err, api.ErrNotFound)
}

func (s *QueueTestSuite) TestAttachTimesOutWithNotFound() {
	s.cfg.AttachTimeout = 50 * time.Millisecond
	start := time.Now()
	_, err := Attach(s.ctx, s.cfg)
	s.ErrorIs(err, api.ErrNotFound)
	s.GreaterOrEqual(time.Since(start), 40*time.Millisecond)
}

func (s *QueueTestSuite) TestAttachWaitsForBootstrap() {
	s.cfg.AttachTimeout = 5 * time.Second
	s.cfg.Capacity = 4

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		q, err := Bootstrap(s.ctx, s.cfg)
		if s.NoError(err) {
			s.T().Cleanup(func() { _ = q.Destroy() })
		}
	}()

	q, err := Attach(s.ctx, s.cfg)
	<-done
	s.Require().NoError(err)
	defer q.Close()
	s.Equal(4, q.Stats().Capacity)
}

func (s *QueueTestSuite) TestAttachMapsWholeSegment() {
	owner := s.bootstrap(5)
	q := s.attach()
	s.Equal(SegmentSize(5, s.cfg.FilenameMax), q.seg.Size())
	s.Equal(owner.Session(), q.Session())

	s.Require().NoError(q.Enqueue(s.ctx, job(1, "via-attached")))
	s.Equal([]string{"via-attached"}, s.dequeueNames(owner, 1))
}

func (s *QueueTestSuite) TestAttachAdoptsSegmentGeometry() {
	s.bootstrap(5)
	s.cfg.Capacity = 2
	q := s.attach()
	s.Equal(5, q.Config().Capacity)
	s.Equal(5, q.Stats().Capacity)
}

// capacity 5, one producer enqueues A..F with no consumer: F blocks until one
// dequeue, after which the queue holds B..F in order.
func (s *QueueTestSuite) TestSixthEnqueueBlocksUntilDequeue() {
	consumer := s.bootstrap(5)
	producer := s.attach()
	s.enqueueAll(producer, "A", "B", "C", "D", "E")
	s.Equal(5, producer.Stats().Length)
	s.assertQuiescent(producer)

	done := make(chan error, 1)
	go func() { done <- producer.Enqueue(s.ctx, job(1, "F")) }()

	select {
	case err := <-done:
		s.FailNow("enqueue into a full queue returned", "err: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	first, err := consumer.Dequeue(s.ctx)
	s.Require().NoError(err)
	s.Equal("A", first.Filename)

	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(2 * time.Second):
		s.FailNow("enqueue did not complete after a dequeue")
	}

	s.Equal(5, consumer.Stats().Length)
	s.assertQuiescent(consumer)
	s.Equal([]string{"B", "C", "D", "E", "F"}, s.dequeueNames(consumer, 5))
	s.assertQuiescent(consumer)
}

// Two producers race into a capacity 4 queue; all four jobs arrive exactly
// once and each producer's jobs keep their order.
func (s *QueueTestSuite) TestTwoProducersRace() {
	consumer := s.bootstrap(4)
	p1, p2 := s.attach(), s.attach()

	var wg sync.WaitGroup
	for _, p := range []struct {
		q     *Queue
		names []string
	}{
		{p1, []string{"X1", "X2"}},
		{p2, []string{"Y1", "Y2"}},
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, n := range p.names {
				s.NoError(p.q.Enqueue(s.ctx, job(1, n)))
			}
		}()
	}
	wg.Wait()
	s.Equal(4, consumer.Stats().Length)
	s.assertQuiescent(consumer)

	got := s.dequeueNames(consumer, 4)
	s.ElementsMatch([]string{"X1", "X2", "Y1", "Y2"}, got)
	pos := map[string]int{}
	for i, n := range got {
		pos[n] = i
	}
	s.Less(pos["X1"], pos["X2"])
	s.Less(pos["Y1"], pos["Y2"])

	st := consumer.Stats()
	s.Equal(0, st.Length)
	s.Equal(4, st.Empty)
	s.Equal(0, st.Full)
	s.assertQuiescent(consumer)
}

func (s *QueueTestSuite) TestManyProducersNoLossNoDuplicates() {
	const producers, perProducer = 4, 25
	consumer := s.bootstrap(3)

	var wg sync.WaitGroup
	for i := 1; i <= producers; i++ {
		p := NewProducer(s.attach(), ProducerConfig{
			Iterations:  perProducer,
			MinFileSize: 1,
			MaxFileSize: 100,
		}, int64(i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.NoError(p.Run(s.ctx))
		}()
	}

	seen := map[string]bool{}
	last := map[int64]int{}
	for i := 0; i < producers*perProducer; i++ {
		j, err := consumer.Dequeue(s.ctx)
		s.Require().NoError(err)
		s.False(seen[j.Filename], "duplicate %s", j.Filename)
		seen[j.Filename] = true

		var client int64
		var idx int
		_, err = fmt.Sscanf(j.Filename, "File-%d-%d", &client, &idx)
		s.Require().NoError(err)
		s.Equal(j.ClientID, client)
		if prev, ok := last[client]; ok {
			s.Greater(idx, prev, "client %d out of order", client)
		}
		last[client] = idx

		st := consumer.Stats()
		s.LessOrEqual(st.Length, st.Capacity)
	}
	wg.Wait()

	s.Len(seen, producers*perProducer)
	st := consumer.Stats()
	s.Equal(0, st.Length)
	s.Equal(st.Capacity, st.Empty+st.Full)
	s.NoError(consumer.Verify(s.ctx))
}

func (s *QueueTestSuite) TestInvalidRecordLeavesQueueUntouched() {
	q := s.bootstrap(2)
	err := q.Enqueue(s.ctx, job(1, strings.Repeat("x", s.cfg.FilenameMax+1)))
	s.ErrorIs(err, api.ErrInvalidRecord)
	s.False(api.IsFatal(err))

	st := q.Stats()
	s.Equal(0, st.Length)
	s.Equal(2, st.Empty)
	s.Equal(1.0, counterValue(q.metrics.rejected))
}

func (s *QueueTestSuite) TestCancelledEnqueueConsumesNoSlot() {
	q := s.bootstrap(1)
	s.enqueueAll(q, "a")

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, job(1, "b"))
	s.ErrorIs(err, context.DeadlineExceeded)

	st := q.Stats()
	s.Equal(1, st.Length)
	s.Equal(0, st.Empty)
	s.Equal(1, st.Full)
}

func (s *QueueTestSuite) TestCancelledMutexWaitReturnsSlotToken() {
	q := s.bootstrap(2)
	s.enqueueAll(q, "a")
	s.Require().True(q.mutex.TryWait())

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(1, q.Stats().Full, "full token given back")

	s.Require().NoError(q.mutex.Signal())
	s.Equal([]string{"a"}, s.dequeueNames(q, 1))
}

func (s *QueueTestSuite) TestMutexReleaseFailureAfterPutKeepsCounts() {
	q := s.bootstrap(3)
	err := q.transfer(s.ctx, q.empty, q.full, "empty", func() error {
		if err := q.store.put(job(1, "a")); err != nil {
			return err
		}
		return q.mutex.Close()
	})
	s.ErrorIs(err, api.ErrIPCFault)

	st := q.Stats()
	s.Equal(1, st.Length)
	s.Equal(1, st.Full, "the stored job is announced")
	s.Equal(2, st.Empty, "no token handed back for an occupied slot")
	s.Require().NoError(q.store.CheckInvariant())
}

func (s *QueueTestSuite) TestFailedCriticalSectionReturnsToken() {
	q := s.bootstrap(3)
	boom := fmt.Errorf("%w: store rejected", api.ErrIPCFault)
	err := q.transfer(s.ctx, q.empty, q.full, "empty", func() error { return boom })
	s.ErrorIs(err, boom)
	s.assertQuiescent(q)
	s.Equal(3, q.Stats().Empty)
}

func (s *QueueTestSuite) TestSharedRegistry() {
	s.bootstrap(2)
	reg := prometheus.NewRegistry()

	first, err := Attach(s.ctx, s.cfg, WithRegistry(reg))
	s.Require().NoError(err)
	s.Same(reg, first.Registry())

	_, err = Attach(s.ctx, s.cfg, WithRegistry(reg))
	var dup prometheus.AlreadyRegisteredError
	s.ErrorAs(err, &dup)

	s.Require().NoError(first.Close())
	second, err := Attach(s.ctx, s.cfg, WithRegistry(reg))
	s.Require().NoError(err)
	defer second.Close()
	s.Require().NoError(second.Enqueue(s.ctx, job(1, "a")))
	s.Equal(1.0, counterValue(second.metrics.enqueued))
}

func (s *QueueTestSuite) TestDestroyFaultsBlockedConsumer() {
	owner := s.bootstrap(2)
	consumer := s.attach()

	done := make(chan error, 1)
	go func() {
		_, err := consumer.Dequeue(s.ctx)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	s.Require().NoError(owner.Destroy())
	s.NoError(owner.Destroy(), "destroy is idempotent")

	select {
	case err := <-done:
		s.ErrorIs(err, api.ErrIPCFault)
		s.True(api.IsFatal(err))
	case <-time.After(2 * time.Second):
		s.FailNow("blocked dequeue did not observe removal")
	}
	s.ErrorIs(consumer.Check(), api.ErrIPCFault)
	s.Equal(1.0, counterValue(consumer.metrics.faults))

	_, err := Attach(s.ctx, s.cfg)
	s.ErrorIs(err, api.ErrNotFound)
}

func (s *QueueTestSuite) TestClosedQueue() {
	q := s.bootstrap(2)
	s.Require().NoError(q.Close())
	s.NoError(q.Close())
	s.ErrorIs(q.Check(), api.ErrIPCFault)
}

func (s *QueueTestSuite) TestMetrics() {
	q := s.bootstrap(3)
	s.enqueueAll(q, "a", "b")
	s.dequeueNames(q, 1)

	s.Equal(2.0, counterValue(q.metrics.enqueued))
	s.Equal(1.0, counterValue(q.metrics.dequeued))

	families, err := q.Registry().Gather()
	s.Require().NoError(err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = gaugeValue(m)
		}
	}
	s.Equal(1.0, values["printq_queue_length"])
	s.Equal(3.0, values["printq_queue_capacity"])
	s.Contains(values, "printq_semaphore_wait_seconds")
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func gaugeValue(m *dto.Metric) float64 {
	if g := m.GetGauge(); g != nil {
		return g.GetValue()
	}
	return 0
}

func TestQueueTestSuite(t *testing.T) {
	suite.Run(t, new(QueueTestSuite))
}
