package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pagelens/internal/imaging"
	"pagelens/internal/retrieval"
)

const retryTimeout = 30 * time.Second

type Uploader interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

type Service struct {
	repo    Repository
	objects Uploader
	points  retrieval.ImagePatcher
	timeout time.Duration
}

var _ retrieval.FailureJournal = (*Service)(nil)

func NewService(repo Repository, objects Uploader, points retrieval.ImagePatcher) *Service {
	return &Service{repo: repo, objects: objects, points: points, timeout: retryTimeout}
}

func (s *Service) List(ctx context.Context) ([]FailedUpload, error) {
	return s.repo.List(ctx)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// RecordFailure stores the encoded image of an upload that ran out of attempts.
func (s *Service) RecordFailure(ctx context.Context, task retrieval.UploadTask, data []byte, contentType string, cause error) error {
	f := &FailedUpload{
		PointID:     task.PointID,
		ObjectName:  task.ObjectName,
		Source:      task.Source,
		ContentType: contentType,
		Image:       data,
		RunID:       task.RunID,
	}
	if cause != nil {
		f.Error = cause.Error()
	}
	if err := s.repo.Save(ctx, f); err != nil {
		return fmt.Errorf("journal point %d: %w", task.PointID, err)
	}
	slog.InfoContext(ctx, "failed upload journaled", "id", f.ID, "point_id", f.PointID)
	return nil
}

// Purge drops every journaled failure, as after the collection is recreated.
func (s *Service) Purge(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge journal: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "failed upload journal purged", "entries", n)
	}
	return n, nil
}

// Retry replays a journaled upload and patches its point. The entry is removed
// only after both steps succeed.
func (s *Service) Retry(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	f, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}

	url, err := s.objects.Upload(ctx, f.ObjectName, f.Image, f.ContentType)
	if err != nil {
		s.markRetried(ctx, id, err)
		return "", fmt.Errorf("re-upload %s: %w", f.ObjectName, err)
	}

	extra := map[string]any{retrieval.PayloadImageName: f.ObjectName}
	if hash, err := imaging.Hash(f.Image); err == nil {
		extra[retrieval.PayloadImageHash] = hash
	}
	if err := s.points.SetImageURL(ctx, f.PointID, url, extra); err != nil {
		s.markRetried(ctx, id, err)
		return "", fmt.Errorf("patch point %d: %w", f.PointID, err)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return url, fmt.Errorf("remove journal entry %s: %w", id, err)
	}
	slog.InfoContext(ctx, "failed upload replayed", "id", id, "point_id", f.PointID, "url", url)
	return url, nil
}

func (s *Service) markRetried(ctx context.Context, id string, cause error) {
	if err := s.repo.MarkRetried(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		slog.WarnContext(ctx, "failed to update retry count", "id", id, "error", err)
	}
}
