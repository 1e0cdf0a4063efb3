package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/genomic-medicine-sweden/gms-uploader/internal/transfer"
)

// run transfers the queue of the session one file at a time, then decides the commit.
func (u *Uploader) run(ctx context.Context, s *Session, done chan struct{}) {
	defer close(done)

	log := u.log.With("session", s.ID, "batch", s.BatchTag)
	log.Info("Upload started", "target", s.Profile.TargetLabel, "files", s.Files())

	queue := s.queue()
	result := Result{SessionID: s.ID, BatchTag: s.BatchTag, Files: len(queue)}
	for _, q := range queue {
		if !u.checkpoint(ctx) {
			result.State = Idle
			log.Info("Upload stopped", "transferred", result.Transferred, "files", result.Files)
			u.finish(result)
			return
		}

		if err := u.transfer(ctx, log, s, q); err != nil {
			result.State = Failed
			result.Err = &FileError{Item: q.item.Name(), File: filepath.Base(q.path), Err: err}
			log.Error("Upload failed, no identifiers recorded", "item", q.item.Name(), "file", q.path, "error", err)
			u.finish(result)
			return
		}
		if q.item.Uploaded(filepath.Base(q.path)) {
			result.Transferred++
		}
	}

	var incomplete []error
	for _, it := range s.Items {
		if !it.UploadComplete() {
			incomplete = append(incomplete, fmt.Errorf("%s is incomplete", it.Name()))
		}
	}
	if len(incomplete) > 0 {
		result.State = Failed
		result.Err = fmt.Errorf("%w: %w", ErrConsistency, errors.Join(incomplete...))
		log.Error("Upload finished with incomplete items, ledger not updated", "error", result.Err)
		u.finish(result)
		return
	}

	result.State = Completed
	pairs := s.Pairs()
	if err := u.ledger.Commit(pairs, s.BatchTag); err != nil {
		result.Err = fmt.Errorf("%w: %w", ErrPersistence, err)
		log.Error("Files are stored but the ledger could not be updated", "pairs", pairs, "error", err)
		u.finish(result)
		return
	}
	result.Committed = pairs
	log.Info("Upload completed", "files", result.Transferred, "identifiers", len(pairs))
	u.finish(result)
}

// checkpoint is the only point where pause and stop take effect. It reports false when the queue must be abandoned.
func (u *Uploader) checkpoint(ctx context.Context) bool {
	for {
		if u.stop.Load() || ctx.Err() != nil {
			return false
		}
		if !u.pause.Load() {
			u.setState(Running)
			return true
		}

		u.setState(Paused)
		select {
		case <-u.wake:
		case <-ctx.Done():
		}
	}
}

// transfer runs the worker of one file on its own goroutine and waits for it.
// The worker context is detached from ctx: a transfer in flight always runs to its end.
func (u *Uploader) transfer(ctx context.Context, log *slog.Logger, s *Session, q queued) (err error) {
	u.metrics.active.Inc()
	defer u.metrics.active.Dec()
	defer func() {
		if err != nil {
			u.metrics.files.WithLabelValues("failed").Inc()
			u.metrics.failures.WithLabelValues(failureClass(err)).Inc()
			return
		}
		u.metrics.files.WithLabelValues("ok").Inc()
	}()

	obs := &itemObserver{item: q.item, next: u.observer}
	w, err := u.newWorker(s.Profile, s.BatchTag, q.path, obs, u.workerOpts...)
	if err != nil {
		return err
	}

	log.Debug("Transferring file", "item", q.item.Name(), "file", q.path, "size", w.Size())
	errc := make(chan error, 1)
	go func() {
		errc <- w.Run(context.WithoutCancel(ctx))
	}()
	if err := <-errc; err != nil {
		return err
	}

	u.metrics.bytes.Add(float64(w.Size()))
	return nil
}

// itemObserver marks files on their item when the worker reports them finished.
type itemObserver struct {
	item *Item
	next transfer.Observer
}

func (o *itemObserver) OnProgress(filename string, percent int) {
	o.next.OnProgress(filename, percent)
}

func (o *itemObserver) OnFinished(filename string) {
	o.item.MarkUploaded(filename)
	o.next.OnFinished(filename)
}
