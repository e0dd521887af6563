package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pagelens/internal/imaging"
	"pagelens/internal/logger"
)

// IndexStore is the vector index as seen by the indexing pipeline.
type IndexStore interface {
	VectorStore
	Ensure(ctx context.Context) (bool, error)
	Recreate(ctx context.Context) error
	Optimize(ctx context.Context) error
}

// BucketStore is the object store as seen by the indexing pipeline.
type BucketStore interface {
	ObjectStore
	EnsureBucket(ctx context.Context) error
	Clear(ctx context.Context) (int, error)
}

type PipelineConfig struct {
	BatchSize        int
	Upsert           RetryPolicy
	ShutdownTimeout  time.Duration
	Optimize         bool
	PageTextMaxChars int
	CompletedTopic   string
	Worker           WorkerConfig
}

type PipelineDeps struct {
	Embedder Embedder
	Index    IndexStore
	Objects  BucketStore
	Codec    imaging.Codec
	Ledger   *Ledger
	Journal  FailureJournal
	Events   EventPublisher
}

// RunReport summarises one indexing run.
type RunReport struct {
	RunID           string    `json:"run_id"`
	Source          string    `json:"source"`
	Documents       int       `json:"documents"`
	Batches         int       `json:"batches"`
	BatchesFailed   int       `json:"batches_failed"`
	FirstPointID    uint64    `json:"first_point_id"`
	PointsUpserted  int       `json:"points_upserted"`
	UploadsEnqueued int       `json:"uploads_enqueued"`
	DrainTimedOut   bool      `json:"drain_timed_out"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Snapshot        Snapshot  `json:"snapshot"`
}

// ClearReport describes the outcome of clearing both stores. Either side may
// fail independently.
type ClearReport struct {
	CollectionErr  error
	BucketErr      error
	JournalErr     error
	ObjectsRemoved int
	FailuresPurged int
}

func (r ClearReport) Err() error {
	return errors.Join(r.CollectionErr, r.BucketErr, r.JournalErr)
}

type Pipeline struct {
	cfg      PipelineConfig
	embedder Embedder
	index    IndexStore
	objects  BucketStore
	codec    imaging.Codec
	ledger   *Ledger
	journal  FailureJournal
	events   EventPublisher

	mu      sync.Mutex
	workers []*UploadWorker
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if deps.Ledger == nil {
		deps.Ledger = NewLedger()
	}
	return &Pipeline{
		cfg:      cfg,
		embedder: deps.Embedder,
		index:    deps.Index,
		objects:  deps.Objects,
		codec:    deps.Codec,
		ledger:   deps.Ledger,
		journal:  deps.Journal,
		events:   deps.Events,
	}
}

func (p *Pipeline) Ledger() *Ledger {
	return p.ledger
}

// Setup makes sure the collection and the bucket exist.
func (p *Pipeline) Setup(ctx context.Context) error {
	created, err := p.index.Ensure(ctx)
	if err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	if created {
		slog.InfoContext(ctx, "collection created")
	}
	if err := p.objects.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	return nil
}

// Index embeds and upserts the stream batch by batch. Image uploads run on a
// background worker and never hold up the next batch. A failed batch is
// skipped; its ids are not reused.
func (p *Pipeline) Index(ctx context.Context, stream DocumentStream) (RunReport, error) {
	report := RunReport{
		RunID:     uuid.NewString(),
		Source:    stream.Name(),
		StartedAt: time.Now(),
	}
	ctx = logger.WithRunID(ctx, report.RunID)

	if err := p.Setup(ctx); err != nil {
		return report, err
	}
	base, err := p.index.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("read point count: %w", err)
	}
	report.FirstPointID = base
	slog.InfoContext(ctx, "index run started", "source", report.Source, "documents", stream.Total(), "first_point_id", base, "batch_size", p.cfg.BatchSize)

	worker := NewUploadWorker(p.cfg.Worker, p.codec, WorkerDeps{
		Objects: p.objects,
		Points:  p.index,
		Ledger:  p.ledger,
		Journal: p.journal,
		Events:  p.events,
	})
	worker.Start(ctx)
	p.track(worker)

	var (
		streamErr error
		batch     = make([]Document, 0, p.cfg.BatchSize)
		next      uint64
	)
	for {
		doc, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = fmt.Errorf("read %s: %w", report.Source, err)
			break
		}
		batch = append(batch, doc)
		if len(batch) == p.cfg.BatchSize {
			p.runBatch(ctx, worker, batch, base+next, &report)
			next += uint64(len(batch))
			batch = batch[:0]
		}
	}
	if len(batch) > 0 && ctx.Err() == nil {
		p.runBatch(ctx, worker, batch, base+next, &report)
	}

	if err := worker.Shutdown(p.cfg.ShutdownTimeout); err != nil {
		report.DrainTimedOut = errors.Is(err, ErrDrainTimeout)
		slog.WarnContext(ctx, "upload queue not drained", "error", err)
	}

	if p.cfg.Optimize && report.PointsUpserted > 0 {
		if err := p.index.Optimize(ctx); err != nil {
			slog.WarnContext(ctx, "collection optimize failed", "error", err)
		}
	}

	report.FinishedAt = time.Now()
	report.Snapshot = p.ledger.Snapshot()
	slog.InfoContext(ctx, "index run finished",
		"documents", report.Documents, "batches", report.Batches, "batches_failed", report.BatchesFailed,
		"uploads_completed", report.Snapshot.UploadsCompleted, "uploads_failed", report.Snapshot.UploadsFailed,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	p.publishCompleted(ctx, report)

	if streamErr == nil {
		streamErr = ctx.Err()
	}
	return report, streamErr
}

func (p *Pipeline) runBatch(ctx context.Context, worker *UploadWorker, docs []Document, firstID uint64, report *RunReport) {
	batchID := report.Batches
	report.Batches++
	report.Documents += len(docs)
	log := slog.With("batch_id", batchID, "size", len(docs))

	images := make([]image.Image, len(docs))
	for i, d := range docs {
		images[i] = d.Image
	}
	embeddings, err := p.embedder.EmbedImages(ctx, images)
	if err == nil && len(embeddings) != len(docs) {
		err = fmt.Errorf("got %d embeddings for %d documents", len(embeddings), len(docs))
	}
	if err != nil {
		log.ErrorContext(ctx, "embedding failed, skipping batch", "error", err)
		p.ledger.BatchFailed()
		report.BatchesFailed++
		return
	}

	points := make([]IndexPoint, len(docs))
	tasks := make([]UploadTask, len(docs))
	for i, doc := range docs {
		id := firstID + uint64(i)
		name := imaging.ObjectName(doc.Source, id, p.codec.Extension())
		points[i] = IndexPoint{
			ID:      id,
			Vectors: embeddings[i],
			Payload: p.payload(doc, id-report.FirstPointID, batchID, name),
		}
		tasks[i] = UploadTask{
			PointID:    id,
			ObjectName: name,
			Source:     doc.Source,
			Image:      doc.Image,
			RunID:      report.RunID,
		}
	}

	res := UpsertWithRetry(ctx, p.index, points, p.cfg.Upsert)
	if !res.OK() {
		log.ErrorContext(ctx, "upsert failed, skipping batch", "attempts", res.Attempts, "kind", res.Kind.String(), "error", res.Err)
		p.ledger.BatchFailed()
		report.BatchesFailed++
		return
	}
	p.ledger.BatchSucceeded(len(points))
	report.PointsUpserted += len(points)

	for _, task := range tasks {
		if err := worker.Enqueue(ctx, task); err != nil {
			log.WarnContext(ctx, "could not enqueue upload", "point_id", task.PointID, "error", err)
			return
		}
		report.UploadsEnqueued++
	}
	log.InfoContext(ctx, "batch indexed", "first_point_id", firstID)
}

func (p *Pipeline) payload(doc Document, datasetIndex uint64, batchID int, objectName string) map[string]any {
	payload := make(map[string]any, len(doc.Metadata)+8)
	for k, v := range doc.Metadata {
		if s, ok := v.(string); ok {
			v = strings.ToValidUTF8(s, "")
		}
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			payload[k] = v
		}
	}
	if text, ok := payload[PayloadPageText].(string); ok {
		payload[PayloadPageText] = truncateRunes(text, p.cfg.PageTextMaxChars)
		if payload[PayloadPageText] == "" {
			delete(payload, PayloadPageText)
		}
	}
	payload[PayloadSource] = doc.Source
	payload[PayloadDatasetIndex] = datasetIndex
	payload[PayloadBatchID] = batchID
	payload[PayloadImageName] = objectName
	payload[PayloadImageURL] = nil
	payload[PayloadUploadPending] = true
	return payload
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func (p *Pipeline) publishCompleted(ctx context.Context, report RunReport) {
	if p.events == nil || p.cfg.CompletedTopic == "" {
		return
	}
	body, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := p.events.Publish(p.cfg.CompletedTopic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish run report", "error", err)
	}
}

// track remembers a started worker so Clear can stop it. Workers that have
// already exited are dropped.
func (p *Pipeline) track(worker *UploadWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.workers[:0]
	for _, w := range p.workers {
		select {
		case <-w.Done():
		default:
			live = append(live, w)
		}
	}
	p.workers = append(live, worker)
}

// stopWorkers cancels uploads still draining from earlier runs.
func (p *Pipeline) stopWorkers(ctx context.Context) {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.Done():
			continue
		default:
		}
		slog.WarnContext(ctx, "cancelling background uploads", "pending", w.QueueLen())
		w.Stop()
	}
}

// Clear recreates the collection and empties the bucket. Both steps are
// attempted even when the first fails. Background uploads from earlier runs
// are cancelled first. The failure journal is purged only when the
// collection was recreated, since its point ids are then gone.
func (p *Pipeline) Clear(ctx context.Context) ClearReport {
	p.stopWorkers(ctx)

	var report ClearReport
	if err := p.index.Recreate(ctx); err != nil {
		report.CollectionErr = fmt.Errorf("recreate collection: %w", err)
	}
	removed, err := p.objects.Clear(ctx)
	report.ObjectsRemoved = removed
	if err != nil {
		report.BucketErr = fmt.Errorf("clear bucket: %w", err)
	}
	if report.CollectionErr == nil {
		p.ledger.Reset()
		if p.journal != nil {
			purged, err := p.journal.Purge(ctx)
			report.FailuresPurged = purged
			if err != nil {
				report.JournalErr = fmt.Errorf("purge failed uploads: %w", err)
			}
		}
	}
	slog.InfoContext(ctx, "stores cleared", "objects_removed", removed, "failures_purged", report.FailuresPurged, "error", report.Err())
	return report
}
