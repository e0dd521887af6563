package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// Named vector fields of a reranking collection.
const (
	FieldOriginal      = "original"
	FieldPooledRows    = "pooled_rows"
	FieldPooledColumns = "pooled_columns"
)

// OptimizedIndexingThreshold is applied by OptimizeCollection after a bulk index run.
const OptimizedIndexingThreshold = 10

var ErrSchemaMismatch = errors.New("collection schema mismatch")

// CollectionClient is the subset of the qdrant client used for collection lifecycle.
type CollectionClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	DeleteCollection(ctx context.Context, name string) error
	GetCollectionInfo(ctx context.Context, name string) (*qdrant.CollectionInfo, error)
	UpdateCollection(ctx context.Context, req *qdrant.UpdateCollection) error
}

type CollectionSpec struct {
	Name      string
	Size      uint64
	Distance  string
	Reranking bool
}

func ParseDistance(s string) (qdrant.Distance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cosine":
		return qdrant.Distance_Cosine, nil
	case "euclid", "euclidean":
		return qdrant.Distance_Euclid, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	default:
		return qdrant.Distance_UnknownDistance, fmt.Errorf("unknown distance metric %q", s)
	}
}

func multiVectorParams(size uint64, distance qdrant.Distance, hnswM *uint64) *qdrant.VectorParams {
	p := &qdrant.VectorParams{
		Size:     size,
		Distance: distance,
		OnDisk:   qdrant.PtrOf(true),
		MultivectorConfig: &qdrant.MultiVectorConfig{
			Comparator: qdrant.MultiVectorComparator_MaxSim,
		},
		QuantizationConfig: qdrant.NewQuantizationBinary(&qdrant.BinaryQuantization{
			AlwaysRam: qdrant.PtrOf(true),
		}),
	}
	if hnswM != nil {
		p.HnswConfig = &qdrant.HnswConfigDiff{M: hnswM}
	}
	return p
}

// BuildCreateRequest translates a CollectionSpec into a qdrant create request.
// With reranking the collection carries three named multivectors and the
// full-resolution field has no HNSW graph; it is only used to rescore prefetched candidates.
func BuildCreateRequest(spec CollectionSpec) (*qdrant.CreateCollection, error) {
	if spec.Name == "" {
		return nil, errors.New("collection name is required")
	}
	if spec.Size == 0 {
		return nil, errors.New("vector size must be positive")
	}
	distance, err := ParseDistance(spec.Distance)
	if err != nil {
		return nil, err
	}

	var vectors *qdrant.VectorsConfig
	if spec.Reranking {
		vectors = qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			FieldOriginal:      multiVectorParams(spec.Size, distance, qdrant.PtrOf(uint64(0))),
			FieldPooledRows:    multiVectorParams(spec.Size, distance, nil),
			FieldPooledColumns: multiVectorParams(spec.Size, distance, nil),
		})
	} else {
		vectors = qdrant.NewVectorsConfig(multiVectorParams(spec.Size, distance, nil))
	}

	return &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig:  vectors,
		OnDiskPayload:  qdrant.PtrOf(true),
	}, nil
}

// EnsureCollection creates the collection when missing. An existing collection
// is checked for a compatible vector layout but never modified.
func EnsureCollection(ctx context.Context, client CollectionClient, spec CollectionSpec) (bool, error) {
	req, err := BuildCreateRequest(spec)
	if err != nil {
		return false, err
	}

	exists, err := client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return false, fmt.Errorf("check collection %s: %w", spec.Name, err)
	}
	if !exists {
		if err := client.CreateCollection(ctx, req); err != nil {
			return false, fmt.Errorf("create collection %s: %w", spec.Name, err)
		}
		return true, nil
	}

	info, err := client.GetCollectionInfo(ctx, spec.Name)
	if err != nil {
		return false, fmt.Errorf("get collection %s: %w", spec.Name, err)
	}
	return false, checkLayout(info, spec)
}

func checkLayout(info *qdrant.CollectionInfo, spec CollectionSpec) error {
	vc := info.GetConfig().GetParams().GetVectorsConfig()
	if vc == nil {
		return nil
	}
	if spec.Reranking {
		m := vc.GetParamsMap().GetMap()
		for _, field := range []string{FieldOriginal, FieldPooledRows, FieldPooledColumns} {
			p, ok := m[field]
			if !ok {
				return fmt.Errorf("%w: %s lacks named vector %q", ErrSchemaMismatch, spec.Name, field)
			}
			if p.GetSize() != spec.Size {
				return fmt.Errorf("%w: %s.%s has size %d, want %d", ErrSchemaMismatch, spec.Name, field, p.GetSize(), spec.Size)
			}
		}
		return nil
	}
	p := vc.GetParams()
	if p == nil {
		return fmt.Errorf("%w: %s uses named vectors but reranking is disabled", ErrSchemaMismatch, spec.Name)
	}
	if p.GetSize() != spec.Size {
		return fmt.Errorf("%w: %s has size %d, want %d", ErrSchemaMismatch, spec.Name, p.GetSize(), spec.Size)
	}
	return nil
}

// RecreateCollection drops the collection if present and creates it again.
func RecreateCollection(ctx context.Context, client CollectionClient, spec CollectionSpec) error {
	exists, err := client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", spec.Name, err)
	}
	if exists {
		if err := client.DeleteCollection(ctx, spec.Name); err != nil {
			return fmt.Errorf("delete collection %s: %w", spec.Name, err)
		}
	}
	_, err = EnsureCollection(ctx, client, spec)
	return err
}

func OptimizeCollection(ctx context.Context, client CollectionClient, name string) error {
	return client.UpdateCollection(ctx, &qdrant.UpdateCollection{
		CollectionName: name,
		OptimizersConfig: &qdrant.OptimizersConfigDiff{
			IndexingThreshold: qdrant.PtrOf(uint64(OptimizedIndexingThreshold)),
		},
	})
}
