// Package exemplar retrieves prior-art exemplars from a Weaviate vector
// store to ground planning artifacts. Retrieval is a gate, not a dependency:
// with no store configured, planning proceeds without exemplars.
package exemplar

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/msageha/foreman/internal/model"
)

// ClassName is the Weaviate class holding planning exemplars.
const ClassName = "PlanExemplar"

// Known artifact types. A stored exemplar is tagged with the kind of
// planning artifact it exemplifies.
const (
	TypeVision   = "vision"
	TypeSolution = "solution"
	TypeBacklog  = "backlog"
)

// Exemplar is one retrieved prior-art item. Score is a similarity in [0, 1],
// higher is closer.
type Exemplar struct {
	ArtifactType string
	Title        string
	Content      string
	Score        float64
}

// Store retrieves exemplars for a planning artifact.
type Store interface {
	// Search returns up to topK exemplars of artifactType relevant to
	// query, already filtered by the per-type similarity floor and sorted
	// by descending score. An empty result is not an error.
	Search(ctx context.Context, artifactType, query string, topK int) ([]Exemplar, error)
}

// Disabled is the Store used when no vector store is configured.
type Disabled struct{}

func (Disabled) Search(context.Context, string, string, int) ([]Exemplar, error) {
	return nil, nil
}

// New builds a Store from config. An empty URL selects Disabled.
func New(cfg model.ExemplarConfig) (Store, error) {
	if cfg.URL == "" {
		return Disabled{}, nil
	}

	wcfg := weaviate.Config{Host: cfg.URL, Scheme: cfg.Scheme}
	// Accept a full URL in config and split it apart.
	if host, ok := strings.CutPrefix(cfg.URL, "https://"); ok {
		wcfg.Scheme = "https"
		wcfg.Host = host
	} else if host, ok := strings.CutPrefix(cfg.URL, "http://"); ok {
		wcfg.Scheme = "http"
		wcfg.Host = host
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	return &WeaviateStore{
		client:     client,
		minScore:   cfg.MinScore,
		typeFloors: cfg.TypeFloors,
	}, nil
}

// WeaviateStore retrieves exemplars via nearText semantic search.
type WeaviateStore struct {
	client     *weaviate.Client
	minScore   float64
	typeFloors map[string]float64
}

// Search implements Store.
func (s *WeaviateStore) Search(ctx context.Context, artifactType, query string, topK int) ([]Exemplar, error) {
	if topK <= 0 {
		return nil, nil
	}

	where := filters.Where().
		WithPath([]string{"artifactType"}).
		WithOperator(filters.Equal).
		WithValueString(artifactType)

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "artifactType"},
		{Name: "title"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithWhere(where).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exemplar search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("exemplar search: %s", result.Errors[0].Message)
	}

	exemplars := parseResults(result)
	return applyFloor(exemplars, s.floorFor(artifactType)), nil
}

// floorFor resolves the similarity floor for an artifact type: the per-type
// override when present, the global minimum otherwise.
func (s *WeaviateStore) floorFor(artifactType string) float64 {
	if f, ok := s.typeFloors[artifactType]; ok {
		return f
	}
	return s.minScore
}

// parseResults flattens the GraphQL response into exemplars. The score is
// Weaviate's certainty, already normalized to [0, 1]. Malformed objects are
// skipped.
func parseResults(result *models.GraphQLResponse) []Exemplar {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[ClassName].([]interface{})
	if !ok {
		return nil
	}

	exemplars := make([]Exemplar, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		exemplars = append(exemplars, Exemplar{
			ArtifactType: getString(m, "artifactType"),
			Title:        getString(m, "title"),
			Content:      getString(m, "content"),
			Score:        certaintyOf(m),
		})
	}
	return exemplars
}

// applyFloor drops exemplars scoring below floor and sorts the rest by
// descending score.
func applyFloor(exemplars []Exemplar, floor float64) []Exemplar {
	kept := exemplars[:0]
	for _, e := range exemplars {
		if e.Score >= floor {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func certaintyOf(m map[string]interface{}) float64 {
	additional, ok := m["_additional"].(map[string]interface{})
	if !ok {
		return 0
	}
	return getFloat64(additional, "certainty")
}

func getString(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	if f, ok := m[key].(float64); ok {
		return f
	}
	return 0
}
