package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/srediag/printq/api"
)

// ClientTotals counts what was printed for one client.
type ClientTotals struct {
	Jobs  int64 `msgpack:"jobs"`
	Bytes int64 `msgpack:"bytes"`
}

// ArchiveEntry is one printed job as stored in the archive file.
type ArchiveEntry struct {
	Job       api.JobRecord `msgpack:"job"`
	Worker    int           `msgpack:"worker"`
	PrintedAt time.Time     `msgpack:"printed_at"`
}

// Printer is the job sink of the print server. Print only spools the job;
// printer workers on an ants pool take jobs from the spool and simulate
// printing them at the configured rate.
type Printer struct {
	cfg   ConsumerConfig
	out   io.Writer
	spool *queue.Queue
	pool  *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	totals cmap.ConcurrentMap[string, ClientTotals]

	// jobs handed to Print and not yet printed or discarded
	pendingMu sync.Mutex
	idle      *sync.Cond
	pending   int

	archiveMu  sync.Mutex
	archive    *os.File
	archiveEnc *msgpack.Encoder

	closeOnce sync.Once
}

var _ api.JobSink = (*Printer)(nil)

// NewPrinter starts cfg.PrintWorkers printer workers. Each printed job is
// written as a line to out when out is not nil.
func NewPrinter(cfg ConsumerConfig, out io.Writer) (*Printer, error) {
	if cfg.PrintWorkers < 1 {
		return nil, fmt.Errorf("print workers must be at least 1, got %d", cfg.PrintWorkers)
	}
	pool, err := ants.NewPool(cfg.PrintWorkers, ants.WithPanicHandler(func(v any) {
		log.Errorf("printer worker panic: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create printer pool: %w", err)
	}

	p := &Printer{
		cfg:    cfg,
		out:    out,
		spool:  queue.New(int64(cfg.PrintWorkers)),
		pool:   pool,
		totals: cmap.New[ClientTotals](),
	}
	p.idle = sync.NewCond(&p.pendingMu)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if cfg.ArchivePath != "" {
		f, err := os.OpenFile(cfg.ArchivePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			pool.Release()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		p.archive = f
		p.archiveEnc = msgpack.NewEncoder(f)
	}

	for i := 0; i < cfg.PrintWorkers; i++ {
		worker := i
		p.wg.Add(1)
		if err := pool.Submit(func() {
			defer p.wg.Done()
			p.work(worker)
		}); err != nil {
			p.wg.Done()
			_ = p.Close(context.Background())
			return nil, fmt.Errorf("start printer worker: %w", err)
		}
	}
	return p, nil
}

// Print spools job for printing and returns without waiting for it.
func (p *Printer) Print(_ context.Context, job api.JobRecord) error {
	p.track(1)
	if err := p.spool.Put(job); err != nil {
		p.track(-1)
		return fmt.Errorf("spool %s: %w", job.Filename, err)
	}
	return nil
}

// Pending returns the number of spooled jobs no worker has picked up yet.
func (p *Printer) Pending() int64 { return p.spool.Len() }

// Wait blocks until every job handed to Print so far has been printed.
// Print may run concurrently; Wait then returns once the printer is idle.
func (p *Printer) Wait() {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
}

func (p *Printer) track(delta int) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	p.pending += delta
	if p.pending == 0 {
		p.idle.Broadcast()
	}
}

// Totals returns per-client counts of printed jobs, keyed by client id.
func (p *Printer) Totals() map[int64]ClientTotals {
	res := make(map[int64]ClientTotals, p.totals.Count())
	for item := range p.totals.IterBuffered() {
		id, err := strconv.ParseInt(item.Key, 10, 64)
		if err != nil {
			continue
		}
		res[id] = item.Val
	}
	return res
}

func (p *Printer) work(worker int) {
	for {
		items, err := p.spool.Get(1)
		if err != nil {
			if !errors.Is(err, queue.ErrDisposed) {
				log.Errorf("printer worker %d: %v", worker, err)
			}
			return
		}
		for _, item := range items {
			p.print(p.ctx, worker, item.(api.JobRecord))
		}
	}
}

func (p *Printer) print(ctx context.Context, worker int, job api.JobRecord) {
	defer p.track(-1)

	if p.cfg.PrintRate > 0 {
		d := time.Duration(float64(job.FileSize) / float64(p.cfg.PrintRate) * float64(time.Second))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			log.Warnf("printer worker %d: %s interrupted", worker, job.Filename)
			return
		case <-t.C:
		}
	}

	p.totals.Upsert(strconv.FormatInt(job.ClientID, 10), ClientTotals{Jobs: 1, Bytes: job.FileSize},
		func(exist bool, old, add ClientTotals) ClientTotals {
			if !exist {
				return add
			}
			return ClientTotals{Jobs: old.Jobs + add.Jobs, Bytes: old.Bytes + add.Bytes}
		})

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	_, _ = buf.WriteString("printed ")
	_, _ = buf.WriteString(job.Filename)
	_, _ = buf.WriteString(" for client ")
	buf.B = strconv.AppendInt(buf.B, job.ClientID, 10)
	_, _ = buf.WriteString(", ")
	buf.B = strconv.AppendInt(buf.B, job.FileSize, 10)
	_, _ = buf.WriteString(" bytes")
	log.Infof("%s", buf.B)
	if p.out != nil {
		_ = buf.WriteByte('\n')
		if _, err := p.out.Write(buf.B); err != nil {
			log.Warnf("write print line: %v", err)
		}
	}

	if err := p.appendArchive(ArchiveEntry{Job: job, Worker: worker, PrintedAt: time.Now()}); err != nil {
		log.Warnf("archive %s: %v", job.Filename, err)
	}
}

func (p *Printer) appendArchive(e ArchiveEntry) error {
	if p.archiveEnc == nil {
		return nil
	}
	p.archiveMu.Lock()
	defer p.archiveMu.Unlock()
	return p.archiveEnc.Encode(&e)
}

// Close stops accepting jobs and prints what is still spooled. When ctx ends
// first, the jobs in progress are interrupted and the rest is discarded.
func (p *Printer) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		stop := context.AfterFunc(ctx, p.cancel)
		defer stop()

		pending := p.spool.Dispose()
		for _, item := range pending {
			p.print(p.ctx, -1, item.(api.JobRecord))
		}
		p.wg.Wait()
		p.cancel()
		p.pool.Release()

		if p.archive != nil {
			p.archiveMu.Lock()
			err = p.archive.Close()
			p.archiveMu.Unlock()
		}
		log.Debugf("printer closed, %d jobs drained at shutdown", len(pending))
	})
	return err
}

// ReadArchive returns the entries of an archive written by a Printer.
func ReadArchive(path string) ([]ArchiveEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)
	var entries []ArchiveEntry
	for {
		var e ArchiveEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			return entries, fmt.Errorf("decode archive entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
}
