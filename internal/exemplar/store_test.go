package exemplar

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/msageha/foreman/internal/model"
)

func response(objects ...map[string]interface{}) *models.GraphQLResponse {
	raw := make([]interface{}, len(objects))
	for i, o := range objects {
		raw[i] = o
	}
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{ClassName: raw},
		},
	}
}

func object(title string, certainty float64) map[string]interface{} {
	return map[string]interface{}{
		"artifactType": TypeBacklog,
		"title":        title,
		"content":      "content of " + title,
		"_additional":  map[string]interface{}{"certainty": certainty},
	}
}

func TestParseResults(t *testing.T) {
	got := parseResults(response(object("caching layer", 0.91), object("rate limiter", 0.77)))
	require.Len(t, got, 2)
	assert.Equal(t, "caching layer", got[0].Title)
	assert.Equal(t, "content of caching layer", got[0].Content)
	assert.Equal(t, TypeBacklog, got[0].ArtifactType)
	assert.InDelta(t, 0.91, got[0].Score, 1e-9)
}

func TestParseResults_MalformedObjectsSkipped(t *testing.T) {
	resp := response(object("good", 0.9))
	get := resp.Data["Get"].(map[string]interface{})
	get[ClassName] = append(get[ClassName].([]interface{}), "not an object", 42)

	got := parseResults(resp)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].Title)
}

func TestParseResults_MissingData(t *testing.T) {
	assert.Nil(t, parseResults(&models.GraphQLResponse{Data: map[string]models.JSONObject{}}))

	noCertainty := response(map[string]interface{}{"title": "x"})
	got := parseResults(noCertainty)
	require.Len(t, got, 1)
	assert.Zero(t, got[0].Score)
}

func TestApplyFloor(t *testing.T) {
	in := []Exemplar{
		{Title: "low", Score: 0.5},
		{Title: "high", Score: 0.9},
		{Title: "mid", Score: 0.8},
	}
	got := applyFloor(in, 0.75)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].Title)
	assert.Equal(t, "mid", got[1].Title)
}

func TestApplyFloor_AllBelow(t *testing.T) {
	got := applyFloor([]Exemplar{{Score: 0.1}, {Score: 0.2}}, 0.75)
	assert.Nil(t, got)
}

func TestFloorFor_TypeOverride(t *testing.T) {
	s := &WeaviateStore{
		minScore:   0.75,
		typeFloors: map[string]float64{TypeVision: 0.6},
	}
	assert.Equal(t, 0.6, s.floorFor(TypeVision))
	assert.Equal(t, 0.75, s.floorFor(TypeBacklog))
}

func TestNew_EmptyURLDisables(t *testing.T) {
	store, err := New(model.ExemplarConfig{})
	require.NoError(t, err)

	got, err := store.Search(context.Background(), TypeVision, "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.IsType(t, Disabled{}, store)
}
