package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pagelens/internal/imaging"
	"pagelens/internal/logger"
)

const (
	ShutdownBestEffort = "best-effort"
	ShutdownHardCancel = "hard-cancel"
)

// ImagePatcher writes a resolved image URL onto an existing point.
type ImagePatcher interface {
	SetImageURL(ctx context.Context, id uint64, url string, extra map[string]any) error
}

type WorkerConfig struct {
	QueueSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
	RateLimit    float64
	ShutdownMode string
	FailureTopic string
}

// UploadFailedEvent is published when an upload exhausts its attempts.
type UploadFailedEvent struct {
	PointID    uint64 `json:"point_id"`
	ObjectName string `json:"object_name"`
	Error      string `json:"error"`
	RunID      string `json:"run_id,omitempty"`
}

// UploadWorker drains a bounded queue of upload tasks on a single goroutine.
// Failed tasks go back into a local retry queue so the consumer never blocks
// on its own intake.
type UploadWorker struct {
	cfg     WorkerConfig
	codec   imaging.Codec
	objects ObjectStore
	points  ImagePatcher
	ledger  *Ledger
	journal FailureJournal
	events  EventPublisher
	limiter *rate.Limiter

	tasks     chan UploadTask
	retrying  atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

type WorkerDeps struct {
	Objects ObjectStore
	Points  ImagePatcher
	Ledger  *Ledger
	Journal FailureJournal
	Events  EventPublisher
}

func NewUploadWorker(cfg WorkerConfig, codec imaging.Codec, deps WorkerDeps) *UploadWorker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ShutdownMode == "" {
		cfg.ShutdownMode = ShutdownBestEffort
	}
	if deps.Ledger == nil {
		deps.Ledger = NewLedger()
	}
	w := &UploadWorker{
		cfg:     cfg,
		codec:   codec,
		objects: deps.Objects,
		points:  deps.Points,
		ledger:  deps.Ledger,
		journal: deps.Journal,
		events:  deps.Events,
		tasks:   make(chan UploadTask, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	w.ledger.setQueueLen(w.QueueLen)
	return w
}

// Start launches the consumer and must be called before Enqueue. The worker
// stops when ctx is cancelled or after Shutdown.
func (w *UploadWorker) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)
	go w.run()
}

func (w *UploadWorker) QueueLen() int {
	return len(w.tasks) + int(w.retrying.Load())
}

// Enqueue blocks while the queue is full.
func (w *UploadWorker) Enqueue(ctx context.Context, task UploadTask) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWorkerClosed
	}
	select {
	case w.tasks <- task:
		w.ledger.UploadQueued()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrWorkerClosed
	}
}

// Shutdown stops intake and waits up to timeout for the queue to drain.
// In best-effort mode the consumer keeps running after a timeout; in
// hard-cancel mode it is cancelled and the remaining tasks stay pending.
func (w *UploadWorker) Shutdown(timeout time.Duration) error {
	w.closeIntake()

	if w.cancel == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		w.cancel()
		return nil
	case <-timer.C:
	}

	pending := w.QueueLen()
	if w.cfg.ShutdownMode == ShutdownHardCancel {
		w.cancel()
		<-w.done
		slog.Warn("upload worker cancelled before drain", "abandoned", pending)
	} else {
		slog.Warn("upload worker drain timed out; uploads continue in background", "pending", pending)
	}
	return fmt.Errorf("%w after %s (%d pending)", ErrDrainTimeout, timeout, pending)
}

// Stop cancels the consumer without draining and waits for it to exit.
// Queued tasks are dropped and in-flight uploads are abandoned.
func (w *UploadWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeIntake()
	if w.cancel != nil {
		<-w.done
	}
}

func (w *UploadWorker) closeIntake() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.tasks)
		w.mu.Unlock()
	})
}

// Done is closed once the consumer has exited.
func (w *UploadWorker) Done() <-chan struct{} {
	return w.done
}

func (w *UploadWorker) run() {
	defer close(w.done)

	tasks := w.tasks
	var retries []UploadTask
	for {
		var (
			task UploadTask
			ok   bool
		)
		if len(retries) > 0 {
			select {
			case task, ok = <-tasks:
				if !ok {
					tasks = nil
				}
			case <-w.ctx.Done():
				return
			default:
			}
			if !ok {
				task, retries = retries[0], retries[1:]
				w.retrying.Add(-1)
				ok = true
			}
		} else {
			if tasks == nil {
				return
			}
			select {
			case task, ok = <-tasks:
				if !ok {
					return
				}
			case <-w.ctx.Done():
				return
			}
		}

		if retry, again := w.process(task); again {
			retries = append(retries, retry)
			w.retrying.Add(1)
		}
		if w.ctx.Err() != nil {
			return
		}
	}
}

// process runs one attempt and reports whether the task should be tried again.
func (w *UploadWorker) process(task UploadTask) (UploadTask, bool) {
	ctx := logger.WithRunID(w.ctx, task.RunID)

	if task.Attempt > 0 && w.cfg.RetryDelay > 0 {
		select {
		case <-ctx.Done():
			return task, false
		case <-time.After(w.cfg.RetryDelay):
		}
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return task, false
		}
	}

	data, err := w.codec.Encode(task.Image)
	if err != nil {
		w.fail(ctx, task, nil, Permanent(err))
		return task, false
	}

	res := w.attempt(ctx, task, data)
	switch {
	case res.OK():
		w.ledger.UploadCompleted()
		slog.DebugContext(ctx, "image uploaded", "point_id", task.PointID, "object", task.ObjectName)
		return task, false
	case ctx.Err() != nil:
		// cancelled mid-attempt; the point stays pending
		return task, false
	case res.Kind == KindTransient && task.Attempt+1 < w.cfg.MaxAttempts:
		slog.WarnContext(ctx, "upload attempt failed, will retry",
			"point_id", task.PointID, "attempt", task.Attempt+1, "max_attempts", w.cfg.MaxAttempts, "error", res.Err)
		task.Attempt++
		return task, true
	default:
		w.fail(ctx, task, data, res.Err)
		return task, false
	}
}

func (w *UploadWorker) attempt(ctx context.Context, task UploadTask, data []byte) Result {
	url, err := w.objects.Upload(ctx, task.ObjectName, data, w.codec.ContentType())
	if err != nil {
		return Result{Attempts: 1, Kind: Classify(err), Err: err}
	}

	extra := map[string]any{PayloadImageName: task.ObjectName}
	if hash, err := imaging.Hash(data); err == nil {
		extra[PayloadImageHash] = hash
	}
	if err := w.points.SetImageURL(ctx, task.PointID, url, extra); err != nil {
		return Result{Attempts: 1, Kind: Classify(err), Err: fmt.Errorf("patch point %d: %w", task.PointID, err)}
	}
	return Result{Attempts: 1, Kind: KindNone}
}

func (w *UploadWorker) fail(ctx context.Context, task UploadTask, data []byte, cause error) {
	if !w.ledger.UploadFailed(task.PointID) {
		return
	}
	slog.ErrorContext(ctx, "upload permanently failed",
		"point_id", task.PointID, "object", task.ObjectName, "attempts", task.Attempt+1, "error", cause)

	if w.journal != nil && data != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := w.journal.RecordFailure(jctx, task, data, w.codec.ContentType(), cause); err != nil {
			slog.WarnContext(ctx, "failed to journal upload failure", "point_id", task.PointID, "error", err)
		}
		cancel()
	}

	if w.events != nil && w.cfg.FailureTopic != "" {
		body, _ := json.Marshal(UploadFailedEvent{
			PointID:    task.PointID,
			ObjectName: task.ObjectName,
			Error:      cause.Error(),
			RunID:      task.RunID,
		})
		if err := w.events.Publish(w.cfg.FailureTopic, body); err != nil {
			slog.WarnContext(ctx, "failed to publish upload failure", "point_id", task.PointID, "error", err)
		}
	}
}
