package stats

import (
	"context"
	"log/slog"

	"pagelens/internal/adapter/qdrant"
	"pagelens/internal/retrieval"
)

const (
	ReadinessReady   = "ready"
	ReadinessEmpty   = "empty"
	ReadinessMissing = "missing"
)

type HealthChecker interface {
	Health(ctx context.Context) error
}

type CollectionInspector interface {
	HealthChecker
	Info(ctx context.Context) (qdrant.CollectionInfo, error)
}

type JournalCounter interface {
	Count(ctx context.Context) (int, error)
}

// Models is the static model configuration shown in the status report.
type Models struct {
	EmbeddingURL string `json:"embedding_url"`
	Synthesizer  string `json:"synthesizer"`
	SearchLimit  int    `json:"search_limit"`
	Reranking    bool   `json:"reranking"`
}

type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type Report struct {
	Checks         []Check               `json:"checks"`
	Collection     qdrant.CollectionInfo `json:"collection"`
	Readiness      string                `json:"readiness"`
	Snapshot       retrieval.Snapshot    `json:"snapshot"`
	JournalEnabled bool                  `json:"journal_enabled"`
	FailedUploads  int                   `json:"failed_uploads"`
	Models         Models                `json:"models"`
}

// Healthy reports whether every connection check passed.
func (r Report) Healthy() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

type Deps struct {
	Index    CollectionInspector
	Objects  HealthChecker
	Embedder HealthChecker
	Synth    retrieval.Synthesizer
	Ledger   *retrieval.Ledger
	Journal  JournalCounter
}

type Service struct {
	models Models
	deps   Deps
}

func NewService(models Models, deps Deps) *Service {
	return &Service{models: models, deps: deps}
}

// Collect never fails; unreachable dependencies show up as failed checks.
func (s *Service) Collect(ctx context.Context) Report {
	r := Report{Models: s.models, Readiness: ReadinessMissing}
	if s.deps.Synth != nil {
		r.Models.Synthesizer = s.deps.Synth.Name()
	}

	r.Checks = append(r.Checks, check("qdrant", s.deps.Index.Health(ctx)))
	r.Checks = append(r.Checks, check("minio", s.deps.Objects.Health(ctx)))
	if s.deps.Embedder != nil {
		r.Checks = append(r.Checks, check("embedding", s.deps.Embedder.Health(ctx)))
	}
	if s.deps.Synth != nil {
		r.Checks = append(r.Checks, check("synthesizer", s.deps.Synth.Available(ctx)))
	}

	info, err := s.deps.Index.Info(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to read collection info", "error", err)
	}
	r.Collection = info
	switch {
	case !info.Exists:
		r.Readiness = ReadinessMissing
	case info.Points == 0:
		r.Readiness = ReadinessEmpty
	default:
		r.Readiness = ReadinessReady
	}

	if s.deps.Ledger != nil {
		r.Snapshot = s.deps.Ledger.Snapshot()
	}

	if s.deps.Journal != nil {
		r.JournalEnabled = true
		n, err := s.deps.Journal.Count(ctx)
		if err != nil {
			r.Checks = append(r.Checks, check("postgres", err))
		} else {
			r.FailedUploads = n
			r.Checks = append(r.Checks, check("postgres", nil))
		}
	}
	return r
}

func check(name string, err error) Check {
	if err != nil {
		return Check{Name: name, Detail: err.Error()}
	}
	return Check{Name: name, OK: true}
}
