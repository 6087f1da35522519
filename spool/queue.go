package spool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/printq/api"
	"github.com/srediag/printq/internal/logger"
	"github.com/srediag/printq/pkg/sem"
	"github.com/srediag/printq/pkg/shm"
)

const instrumentationName = "github.com/srediag/printq/spool"

var log = logger.New("spool", nil)

// Queue is a handle on the shared print queue: the segment holding the store
// and the three semaphores guarding it. Every process, including the one that
// bootstrapped it, uses the queue only through this handle.
//
// Enqueue and Dequeue are safe for concurrent use. Close and Destroy must not
// race with them.
type Queue struct {
	cfg     QueueConfig
	seg     *shm.Segment
	store   *Store
	session uuid.UUID
	created time.Time

	mutex *sem.Semaphore
	empty *sem.Semaphore
	full  *sem.Semaphore

	mu          sync.RWMutex
	closed      atomic.Bool
	destroyOnce sync.Once
	destroyErr  error

	tracer   trace.Tracer
	jobs     metric.Int64Counter
	registry *prometheus.Registry
	metrics  *metrics
}

var (
	_ api.Enqueuer = (*Queue)(nil)
	_ api.Dequeuer = (*Queue)(nil)
)

// Option configures instrumentation of a Queue.
type Option func(*options)

type options struct {
	tracer   trace.Tracer
	meter    metric.Meter
	registry *prometheus.Registry
}

// WithTracer sets the tracer used for enqueue and dequeue spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithMeter sets the meter used for the job counter.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithRegistry registers the queue's Prometheus collectors on reg instead of
// a fresh registry. One registry holds the metrics of one handle per queue
// name; registering a second fails.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

func (c QueueConfig) segmentOptions() shm.Options {
	return shm.Options{Name: c.Name, Dir: c.Dir, Size: SegmentSize(c.Capacity, c.FilenameMax)}
}

func (c QueueConfig) semOptions() sem.Options {
	return sem.Options{Dir: c.Dir, ProbeInterval: c.ProbeInterval}
}

// Bootstrap creates the shared queue: it resets the three semaphores to
// mutex=1, empty=capacity and full=0 and then creates and initializes the
// segment. Resources left by an earlier run under the same names are
// replaced. Failure wraps api.ErrResourceCreation and leaves nothing behind.
func Bootstrap(ctx context.Context, cfg QueueConfig, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrResourceCreation, err)
	}
	segOpts := cfg.segmentOptions()
	// An attacher that finds the segment must also find fresh semaphores.
	if err := shm.Remove(segOpts); err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrResourceCreation, err)
	}

	q := &Queue{cfg: cfg}
	fail := func(err error) (*Queue, error) {
		_ = q.closeHandles()
		_ = RemoveAll(cfg)
		return nil, err
	}

	var err error
	semOpts := cfg.semOptions()
	if q.mutex, err = sem.CreateOrReset(ctx, cfg.MutexName, 1, semOpts); err != nil {
		return fail(err)
	}
	if q.empty, err = sem.CreateOrReset(ctx, cfg.EmptyName, uint32(cfg.Capacity), semOpts); err != nil {
		return fail(err)
	}
	if q.full, err = sem.CreateOrReset(ctx, cfg.FullName, 0, semOpts); err != nil {
		return fail(err)
	}
	if q.seg, err = shm.Create(ctx, segOpts); err != nil {
		return fail(err)
	}
	if q.store, err = InitStore(q.seg.Bytes(), cfg.Capacity, cfg.FilenameMax, uuid.New()); err != nil {
		return fail(fmt.Errorf("%w: %w", api.ErrResourceCreation, err))
	}
	q.session, q.created = q.store.Session(), q.store.CreatedAt()

	if err := q.instrument(opts); err != nil {
		return fail(err)
	}
	log.Infof("bootstrapped queue %s: capacity %d, session %s", cfg.Name, cfg.Capacity, q.session)
	return q, nil
}

// Attach opens a queue created by Bootstrap. While the queue does not exist
// yet Attach retries with exponential backoff until cfg.AttachTimeout has
// elapsed; the last error then wraps api.ErrNotFound. Capacity and filename
// limit are taken from the segment.
func Attach(ctx context.Context, cfg QueueConfig, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if cfg.AttachTimeout > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 10 * time.Millisecond
		eb.MaxInterval = 500 * time.Millisecond
		eb.MaxElapsedTime = cfg.AttachTimeout
		b = eb
	}

	var q *Queue
	op := func() error {
		var err error
		q, err = attach(ctx, cfg)
		if err != nil && !errors.Is(err, api.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debugf("queue %s not ready, retrying in %s: %v", cfg.Name, next, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}

	if err := q.instrument(opts); err != nil {
		_ = q.closeHandles()
		return nil, err
	}
	log.Debugf("attached queue %s: capacity %d, session %s", cfg.Name, q.cfg.Capacity, q.session)
	return q, nil
}

func attach(ctx context.Context, cfg QueueConfig) (*Queue, error) {
	segOpts := cfg.segmentOptions()
	// map the whole file; the geometry comes from its header
	segOpts.Size = 0
	seg, err := shm.Open(ctx, segOpts)
	if err != nil {
		return nil, err
	}
	q := &Queue{cfg: cfg, seg: seg}
	if q.store, err = AttachStore(seg.Bytes()); err != nil {
		_ = q.closeHandles()
		return nil, err
	}
	q.session, q.created = q.store.Session(), q.store.CreatedAt()
	if q.store.Capacity() != cfg.Capacity || q.store.FilenameMax() != cfg.FilenameMax {
		log.Warnf("queue %s has capacity %d and filename max %d, configured %d and %d",
			cfg.Name, q.store.Capacity(), q.store.FilenameMax(), cfg.Capacity, cfg.FilenameMax)
		q.cfg.Capacity = q.store.Capacity()
		q.cfg.FilenameMax = q.store.FilenameMax()
	}

	semOpts := cfg.semOptions()
	for _, s := range []struct {
		name string
		dst  **sem.Semaphore
	}{
		{cfg.MutexName, &q.mutex},
		{cfg.EmptyName, &q.empty},
		{cfg.FullName, &q.full},
	} {
		if *s.dst, err = sem.OpenExisting(ctx, s.name, semOpts); err != nil {
			_ = q.closeHandles()
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) instrument(opts []Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	if o.meter == nil {
		o.meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	q.tracer = o.tracer
	jobs, err := o.meter.Int64Counter("printq.jobs",
		metric.WithDescription("Jobs moved through the shared queue."),
		metric.WithUnit("{job}"))
	if err != nil {
		log.Warnf("job counter unavailable: %v", err)
		jobs, _ = metricnoop.NewMeterProvider().Meter(instrumentationName).Int64Counter("printq.jobs")
	}
	q.jobs = jobs
	q.registry = o.registry
	q.metrics, err = newMetrics(o.registry, q)
	if err != nil {
		return fmt.Errorf("register metrics of queue %s: %w", q.cfg.Name, err)
	}
	return nil
}

// Config returns the queue configuration, with capacity and filename limit
// as found in the segment.
func (q *Queue) Config() QueueConfig { return q.cfg }

// Registry returns the Prometheus registry holding the queue metrics.
func (q *Queue) Registry() *prometheus.Registry { return q.registry }

// Session identifies the Bootstrap run that created the queue.
func (q *Queue) Session() uuid.UUID { return q.session }

// Enqueue copies job into the next free slot, blocking while the queue is
// full. A record that does not fit a slot wraps api.ErrInvalidRecord and
// leaves the queue untouched. If ctx ends while waiting, no slot is consumed.
func (q *Queue) Enqueue(ctx context.Context, job api.JobRecord) (err error) {
	ctx, span := q.tracer.Start(ctx, "printq.enqueue", trace.WithAttributes(
		attribute.Int64("printq.client_id", job.ClientID),
		attribute.String("printq.filename", job.Filename),
		attribute.Int64("printq.file_size", job.FileSize),
	))
	defer func() { endSpan(span, err) }()

	if err := job.Validate(q.store.FilenameMax()); err != nil {
		q.metrics.rejected.Inc()
		return err
	}
	if err := q.transfer(ctx, q.empty, q.full, "empty", func() error { return q.store.put(job) }); err != nil {
		return err
	}

	q.metrics.enqueued.Inc()
	q.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("printq.op", "enqueue")))
	log.Tracef("enqueued %s", job)
	return nil
}

// Dequeue removes the oldest job, blocking while the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (job api.JobRecord, err error) {
	ctx, span := q.tracer.Start(ctx, "printq.dequeue")
	defer func() {
		if err == nil {
			span.SetAttributes(
				attribute.Int64("printq.client_id", job.ClientID),
				attribute.String("printq.filename", job.Filename),
			)
		}
		endSpan(span, err)
	}()

	err = q.transfer(ctx, q.full, q.empty, "full", func() error {
		var terr error
		job, terr = q.store.take()
		return terr
	})
	if err != nil {
		return api.JobRecord{}, err
	}

	q.metrics.dequeued.Inc()
	q.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("printq.op", "dequeue")))
	log.Tracef("dequeued %s", job)
	return job, nil
}

// transfer moves one token from take to give around fn: wait(take),
// withMutex(fn), signal(give). The take token is returned only when fn did
// not change the store; once it did, give is signalled even if releasing the
// mutex failed, so the slot counts keep matching the store.
func (q *Queue) transfer(ctx context.Context, take, give *sem.Semaphore, label string, fn func() error) error {
	if err := q.wait(ctx, take, label); err != nil {
		return err
	}
	committed, err := q.withMutex(ctx, fn)
	if !committed {
		q.giveBack(take)
		return err
	}
	if serr := give.Signal(); serr != nil {
		return errors.Join(err, q.fault(serr))
	}
	return err
}

// withMutex runs fn while holding the mutex semaphore. The mutex is released
// on every path out of fn. committed reports that fn ran and succeeded.
func (q *Queue) withMutex(ctx context.Context, fn func() error) (committed bool, err error) {
	if err := q.wait(ctx, q.mutex, "mutex"); err != nil {
		return false, err
	}
	defer func() {
		if serr := q.mutex.Signal(); serr != nil {
			err = errors.Join(err, q.fault(serr))
		}
	}()
	if err := fn(); err != nil {
		return false, q.fault(err)
	}
	return true, nil
}

// wait blocks on s, checking every probe interval that all shared resources
// still exist.
func (q *Queue) wait(ctx context.Context, s *sem.Semaphore, label string) error {
	start := time.Now()
	err := s.WaitProbe(ctx, q.Check)
	q.metrics.wait.WithLabelValues(label).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, api.ErrIPCFault) {
			return err
		}
		return q.fault(err)
	}
	return nil
}

// giveBack returns a slot token taken by a wait whose critical section did
// not commit.
func (q *Queue) giveBack(s *sem.Semaphore) {
	if err := s.Signal(); err != nil {
		log.Warnf("returning token to %s: %v", s.Name(), err)
	}
}

func (q *Queue) fault(err error) error {
	if errors.Is(err, api.ErrIPCFault) {
		q.metrics.faults.Inc()
		log.Errorf("queue %s: %v", q.cfg.Name, err)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Stats is a snapshot of the queue. Taken without the mutex, the fields may
// belong to slightly different instants.
type Stats struct {
	Name      string
	Session   uuid.UUID
	CreatedAt time.Time
	Capacity  int
	Length    int
	Empty     int
	Full      int
}

// Stats returns a snapshot of the queue counters. A closed queue reports
// only its identity and capacity.
func (q *Queue) Stats() Stats {
	st := Stats{
		Name:      q.cfg.Name,
		Session:   q.session,
		CreatedAt: q.created,
		Capacity:  q.cfg.Capacity,
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return st
	}
	st.Length = q.store.Len()
	st.Empty = int(q.empty.Value())
	st.Full = int(q.full.Value())
	return st
}

// Verify checks the store bookkeeping while holding the mutex.
func (q *Queue) Verify(ctx context.Context) error {
	_, err := q.withMutex(ctx, q.store.CheckInvariant)
	return err
}

// Check returns an error wrapping api.ErrIPCFault if the segment or one of
// the semaphores is closed or was removed.
func (q *Queue) Check() error {
	if q.closed.Load() {
		return fmt.Errorf("%w: queue %s is closed", api.ErrIPCFault, q.cfg.Name)
	}
	if err := q.seg.Check(); err != nil {
		return err
	}
	for _, s := range []*sem.Semaphore{q.mutex, q.empty, q.full} {
		if err := s.Check(); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) lengthHint() float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return 0
	}
	return float64(q.store.Len())
}

// Close detaches from the queue, leaving it in place for other processes.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed.CompareAndSwap(false, true) {
		q.mu.Unlock()
		return nil
	}
	err := q.closeHandles()
	q.mu.Unlock()

	// outside q.mu: a concurrent Gather may be inside lengthHint
	if q.metrics != nil {
		q.metrics.unregister()
	}
	return err
}

func (q *Queue) closeHandles() error {
	var errs []error
	for _, s := range []*sem.Semaphore{q.mutex, q.empty, q.full} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	if q.seg != nil {
		errs = append(errs, q.seg.Close())
	}
	return errors.Join(errs...)
}

// Destroy detaches and removes the segment and semaphores. Only the teardown
// owner calls it; processes still attached observe api.ErrIPCFault. Calls
// after the first return the first result.
func (q *Queue) Destroy() error {
	q.destroyOnce.Do(func() {
		q.destroyErr = errors.Join(q.Close(), RemoveAll(q.cfg))
		log.Infof("destroyed queue %s", q.cfg.Name)
	})
	return q.destroyErr
}

// RemoveAll unlinks the segment and semaphores named by cfg. Missing ones are
// not an error.
func RemoveAll(cfg QueueConfig) error {
	semOpts := cfg.semOptions()
	return errors.Join(
		shm.Remove(cfg.segmentOptions()),
		sem.Remove(cfg.MutexName, semOpts),
		sem.Remove(cfg.EmptyName, semOpts),
		sem.Remove(cfg.FullName, semOpts),
	)
}
