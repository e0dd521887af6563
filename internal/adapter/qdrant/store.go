package qdrant

import (
	"context"
	"fmt"
	"sort"

	"github.com/qdrant/go-client/qdrant"

	"pagelens/internal/retrieval"
	"pagelens/internal/vector"
)

// Client is the part of *qdrant.Client the store depends on.
type Client interface {
	vector.CollectionClient
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	SetPayload(ctx context.Context, req *qdrant.SetPayloadPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

var _ Client = (*qdrant.Client)(nil)

type Options struct {
	PrefetchLimit int
	RerankLimit   int
}

type Store struct {
	client Client
	spec   vector.CollectionSpec
	opts   Options
}

func NewStore(client Client, spec vector.CollectionSpec, opts Options) *Store {
	return &Store{client: client, spec: spec, opts: opts}
}

func (s *Store) Spec() vector.CollectionSpec {
	return s.spec
}

func (s *Store) Health(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health: %w", err)
	}
	return nil
}

func (s *Store) Ensure(ctx context.Context) (bool, error) {
	return vector.EnsureCollection(ctx, s.client, s.spec)
}

func (s *Store) Exists(ctx context.Context) (bool, error) {
	return s.client.CollectionExists(ctx, s.spec.Name)
}

func (s *Store) Recreate(ctx context.Context) error {
	return vector.RecreateCollection(ctx, s.client, s.spec)
}

func (s *Store) Optimize(ctx context.Context) error {
	return vector.OptimizeCollection(ctx, s.client, s.spec.Name)
}

// Count returns the exact number of points, or 0 when the collection does not exist.
func (s *Store) Count(ctx context.Context) (uint64, error) {
	exists, err := s.Exists(ctx)
	if err != nil {
		return 0, fmt.Errorf("check collection: %w", err)
	}
	if !exists {
		return 0, nil
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.spec.Name,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return n, nil
}

// CollectionInfo summarises the live collection for status reporting.
type CollectionInfo struct {
	Name       string
	Exists     bool
	Points     uint64
	VectorSize uint64
	Distance   string
	Reranking  bool
}

func (s *Store) Info(ctx context.Context) (CollectionInfo, error) {
	out := CollectionInfo{Name: s.spec.Name}
	exists, err := s.Exists(ctx)
	if err != nil || !exists {
		return out, err
	}
	out.Exists = true

	info, err := s.client.GetCollectionInfo(ctx, s.spec.Name)
	if err != nil {
		return out, fmt.Errorf("collection info: %w", err)
	}
	out.Points = info.GetPointsCount()

	vc := info.GetConfig().GetParams().GetVectorsConfig()
	params := vc.GetParams()
	if m := vc.GetParamsMap().GetMap(); len(m) > 0 {
		out.Reranking = true
		params = m[vector.FieldOriginal]
	}
	if params != nil {
		out.VectorSize = params.GetSize()
		out.Distance = params.GetDistance().String()
	}
	return out, nil
}

func (s *Store) vectors(e retrieval.Embedding) (*qdrant.Vectors, error) {
	if !s.spec.Reranking {
		return qdrant.NewVectorsMulti(e.Original), nil
	}
	if !e.Pooled() {
		return nil, fmt.Errorf("reranking collection requires pooled vectors")
	}
	return qdrant.NewVectorsMap(map[string]*qdrant.Vector{
		vector.FieldOriginal:      qdrant.NewVectorMulti(e.Original),
		vector.FieldPooledRows:    qdrant.NewVectorMulti(e.PooledRows),
		vector.FieldPooledColumns: qdrant.NewVectorMulti(e.PooledColumns),
	}), nil
}

// Upsert writes the batch in a single attempt and waits for it to be applied.
func (s *Store) Upsert(ctx context.Context, points []retrieval.IndexPoint) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if len(p.Vectors.Original) == 0 {
			return retrieval.Permanent(fmt.Errorf("point %d has no vectors", p.ID))
		}
		vecs, err := s.vectors(p.Vectors)
		if err != nil {
			return retrieval.Permanent(fmt.Errorf("point %d: %w", p.ID, err))
		}
		payload, err := qdrant.TryValueMap(p.Payload)
		if err != nil {
			return retrieval.Permanent(fmt.Errorf("point %d payload: %w", p.ID, err))
		}
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(p.ID),
			Vectors: vecs,
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.spec.Name,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// SetImageURL patches the payload of a single point without touching its vectors.
func (s *Store) SetImageURL(ctx context.Context, id uint64, url string, extra map[string]any) error {
	fields := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		fields[k] = v
	}
	fields[retrieval.PayloadImageURL] = url
	fields[retrieval.PayloadUploadPending] = false

	payload, err := qdrant.TryValueMap(fields)
	if err != nil {
		return fmt.Errorf("point %d payload: %w", id, err)
	}
	_, err = s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: s.spec.Name,
		Wait:           qdrant.PtrOf(true),
		Payload:        payload,
		PointsSelector: qdrant.NewPointsSelector(qdrant.NewIDNum(id)),
	})
	if err != nil {
		return fmt.Errorf("set payload on point %d: %w", id, err)
	}
	return nil
}

// BuildQuery translates an embedding into a qdrant query. Reranking collections
// prefetch from both pooled fields and rescore the union against the original field.
func (s *Store) BuildQuery(q retrieval.Embedding, params retrieval.SearchParams) *qdrant.QueryPoints {
	limit := uint64(max(params.Limit, 1))

	if !s.spec.Reranking {
		req := &qdrant.QueryPoints{
			CollectionName: s.spec.Name,
			Query:          qdrant.NewQueryMulti(q.Original),
			Limit:          qdrant.PtrOf(limit),
			WithPayload:    qdrant.NewWithPayload(true),
			Params: &qdrant.SearchParams{
				Quantization: &qdrant.QuantizationSearchParams{
					Ignore:  qdrant.PtrOf(false),
					Rescore: qdrant.PtrOf(true),
				},
			},
		}
		if params.Oversampling > 0 {
			req.Params.Quantization.Oversampling = qdrant.PtrOf(params.Oversampling)
		}
		return req
	}

	rows, cols := q.PooledRows, q.PooledColumns
	if len(rows) == 0 {
		rows = q.Original
	}
	if len(cols) == 0 {
		cols = q.Original
	}
	if s.opts.RerankLimit > 0 {
		limit = min(limit, uint64(s.opts.RerankLimit))
	}
	prefetch := uint64(max(s.opts.PrefetchLimit, int(limit)))

	return &qdrant.QueryPoints{
		CollectionName: s.spec.Name,
		Prefetch: []*qdrant.PrefetchQuery{
			{
				Query: qdrant.NewQueryMulti(cols),
				Using: qdrant.PtrOf(vector.FieldPooledColumns),
				Limit: qdrant.PtrOf(prefetch),
			},
			{
				Query: qdrant.NewQueryMulti(rows),
				Using: qdrant.PtrOf(vector.FieldPooledRows),
				Limit: qdrant.PtrOf(prefetch),
			},
		},
		Query:       qdrant.NewQueryMulti(q.Original),
		Using:       qdrant.PtrOf(vector.FieldOriginal),
		Limit:       qdrant.PtrOf(limit),
		WithPayload: qdrant.NewWithPayload(true),
	}
}

// Search returns points ordered by score descending, ties by ascending id.
func (s *Store) Search(ctx context.Context, q retrieval.Embedding, params retrieval.SearchParams) ([]retrieval.ScoredPoint, error) {
	if len(q.Original) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	hits, err := s.client.Query(ctx, s.BuildQuery(q, params))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.spec.Name, err)
	}

	out := make([]retrieval.ScoredPoint, 0, len(hits))
	for _, h := range hits {
		out = append(out, retrieval.ScoredPoint{
			ID:      h.GetId().GetNum(),
			Score:   h.GetScore(),
			Payload: FromValueMap(h.GetPayload()),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FromValueMap converts a qdrant payload back into plain Go values.
func FromValueMap(m map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = fromValue(v)
	}
	return out
}

func fromValue(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	case *qdrant.Value_StructValue:
		return FromValueMap(k.StructValue.GetFields())
	case *qdrant.Value_ListValue:
		vals := k.ListValue.GetValues()
		list := make([]any, len(vals))
		for i, item := range vals {
			list[i] = fromValue(item)
		}
		return list
	default:
		return nil
	}
}
