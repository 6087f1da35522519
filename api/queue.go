package api

import "context"

// Enqueuer submits jobs to a bounded queue, blocking while it is full.
type Enqueuer interface {
	Enqueue(ctx context.Context, job JobRecord) error
}

// Dequeuer drains jobs from a bounded queue, blocking while it is empty.
type Dequeuer interface {
	Dequeue(ctx context.Context) (JobRecord, error)
}

// JobSink receives dequeued jobs. Print must not wait for the job to be
// printed.
type JobSink interface {
	Print(ctx context.Context, job JobRecord) error
}
