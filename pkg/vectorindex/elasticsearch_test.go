package vectorindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRescoreHits_UsesRawInnerProduct(t *testing.T) {
	query := []float32{2, 0}
	docs := []esVectorDoc{
		{Ordinal: 0, Vector: []float32{3, 0}},
		{Ordinal: 1, Vector: []float32{0, 5}},
		{Ordinal: 2, Vector: []float32{1, 1}},
	}

	hits := rescoreHits(query, docs, 3, 3)
	require.Len(t, hits, 3)
	assert.Equal(t, Hit{Ordinal: 0, Score: 6}, hits[0])
	assert.Equal(t, Hit{Ordinal: 2, Score: 2}, hits[1])
	assert.Equal(t, Hit{Ordinal: 1, Score: 0}, hits[2])
}

func TestRescoreHits_MatchesFlatIndex(t *testing.T) {
	vectors := [][]float32{{0.5, 1.5, -1}, {2, 0, 0.25}, {2, 0, 0.25}, {-1, -1, 3}}
	flat := NewFlatIndex(3)
	require.NoError(t, flat.Add(context.Background(), vectors))

	docs := make([]esVectorDoc, len(vectors))
	for i, v := range vectors {
		docs[len(vectors)-1-i] = esVectorDoc{Ordinal: i, Vector: v}
	}
	query := []float32{1, 0.5, 0.25}

	want, err := flat.Search(context.Background(), query, 3)
	require.NoError(t, err)
	assert.Equal(t, want, rescoreHits(query, docs, len(vectors), 3))
}

func TestRescoreHits_DropsUnconfirmedOrdinals(t *testing.T) {
	docs := []esVectorDoc{
		{Ordinal: 0, Vector: []float32{1, 0}},
		{Ordinal: 4, Vector: []float32{9, 0}},
	}
	hits := rescoreHits([]float32{1, 0}, docs, 1, 5)
	assert.Equal(t, []Hit{{Ordinal: 0, Score: 1}}, hits)
}
