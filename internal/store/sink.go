package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nvandessel/anderson/internal/evolution"
)

// DefaultBatchSize is how many samples RunSink buffers per transaction.
const DefaultBatchSize = 500

// RunSink records a run into a SQLiteRunStore. Begin creates the run row,
// samples are inserted in batches, and End flushes what is left. The run
// stays in the running state until Finish records the outcome.
type RunSink struct {
	ctx       context.Context
	store     *SQLiteRunStore
	batchSize int
	runID     string
	buf       []evolution.Sample
}

// NewRunSink returns a sink writing to s. A non-positive batchSize uses
// DefaultBatchSize.
func NewRunSink(ctx context.Context, s *SQLiteRunStore, batchSize int) *RunSink {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &RunSink{ctx: ctx, store: s, batchSize: batchSize}
}

// RunID is the stored run's ID. Empty until Begin succeeds.
func (r *RunSink) RunID() string { return r.runID }

// Begin inserts the run row.
func (r *RunSink) Begin(meta evolution.RunMeta) error {
	// Inserts use a context detached from cancellation so a cancelled run
	// still lands what it produced.
	id, err := r.store.CreateRun(context.WithoutCancel(r.ctx), meta)
	if err != nil {
		return err
	}
	r.runID = id
	r.buf = make([]evolution.Sample, 0, r.batchSize)
	return nil
}

// Write buffers s and flushes once the batch is full.
func (r *RunSink) Write(s evolution.Sample) error {
	if r.runID == "" {
		return errors.New("run sink not started")
	}
	r.buf = append(r.buf, s)
	if len(r.buf) >= r.batchSize {
		return r.flush()
	}
	return nil
}

// End flushes buffered samples.
func (r *RunSink) End() error {
	if r.runID == "" {
		return nil
	}
	return r.flush()
}

func (r *RunSink) flush() error {
	if err := r.store.AppendSamples(context.WithoutCancel(r.ctx), r.runID, r.buf); err != nil {
		return err
	}
	r.buf = r.buf[:0]
	return nil
}

// Finish records the run outcome from the driver result and error.
func (r *RunSink) Finish(res evolution.Result, runErr error) error {
	if r.runID == "" {
		return fmt.Errorf("run sink not started")
	}
	status := StatusCompleted
	switch {
	case res.Cancelled:
		status = StatusCancelled
	case runErr != nil:
		status = StatusFailed
	}
	return r.store.FinishRun(context.WithoutCancel(r.ctx), r.runID, RunOutcome{
		Steps:       res.Steps,
		FinalTime:   res.FinalTime,
		InitialNorm: res.InitialNorm,
		FinalNorm:   res.FinalNorm,
		Status:      status,
	})
}
