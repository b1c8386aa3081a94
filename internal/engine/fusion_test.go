package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRanksWeightedScenario(t *testing.T) {
	// Three signals, k=60, weights already summing to 1. B is mid-ranked
	// by two signals and must beat A's single top rank; C's two tail ranks
	// land just under A.
	fused := fuseRanks([]fusionInput{
		{Name: "vector", Weight: 0.5, Hits: []signalHit{{"A", 0.9}, {"B", 0.8}}},
		{Name: "keyword", Weight: 0.3, Hits: []signalHit{{"B", 5.0}, {"C", 4.0}}},
		{Name: "graph", Weight: 0.2, Hits: []signalHit{{"C", 1.5}, {"D", 1.0}}},
	}, 60)

	require.Len(t, fused, 4)
	assert.Equal(t, "B", fused[0].ID)
	assert.Equal(t, "A", fused[1].ID)
	assert.Equal(t, "C", fused[2].ID)
	assert.Equal(t, "D", fused[3].ID)

	assert.InDelta(t, 0.5/62+0.3/61, fused[0].Score, 1e-12)
	assert.InDelta(t, 0.5/61, fused[1].Score, 1e-12)
	assert.InDelta(t, 0.3/62+0.2/61, fused[2].Score, 1e-12)
	assert.InDelta(t, 0.2/62, fused[3].Score, 1e-12)

	assert.ElementsMatch(t, []string{"vector", "keyword"}, fused[0].Signals)
	assert.Equal(t, []string{"vector"}, fused[1].Signals)
}

func TestFuseRanksOverlapOutranksSingleSignal(t *testing.T) {
	// Equal weights: records surfaced by both signals beat records that
	// topped only one.
	fused := fuseRanks([]fusionInput{
		{Name: "vector", Weight: 0.5, Hits: []signalHit{{"A", 0.9}, {"B", 0.8}, {"C", 0.7}}},
		{Name: "keyword", Weight: 0.5, Hits: []signalHit{{"B", 3.0}, {"C", 2.0}, {"D", 1.0}}},
	}, 60)

	require.Len(t, fused, 4)
	assert.Equal(t, "B", fused[0].ID)
	assert.Equal(t, "C", fused[1].ID)
	assert.Equal(t, "A", fused[2].ID)
	assert.Equal(t, "D", fused[3].ID)
	assert.InDelta(t, 0.5/62+0.5/61, fused[0].Score, 1e-12)
	assert.InDelta(t, 0.5/63+0.5/62, fused[1].Score, 1e-12)
}

func TestFuseRanksRenormalizesOverNonEmpty(t *testing.T) {
	// The vector signal produced nothing, so keyword (0.3) and graph (0.2)
	// renormalize to 0.6 and 0.4.
	fused := fuseRanks([]fusionInput{
		{Name: "vector", Weight: 0.5, Hits: nil},
		{Name: "keyword", Weight: 0.3, Hits: []signalHit{{"X", 2.0}}},
		{Name: "graph", Weight: 0.2, Hits: []signalHit{{"Y", 1.0}}},
	}, 60)

	require.Len(t, fused, 2)
	assert.Equal(t, "X", fused[0].ID)
	assert.InDelta(t, 0.6/61, fused[0].Score, 1e-12)
	assert.Equal(t, "Y", fused[1].ID)
	assert.InDelta(t, 0.4/61, fused[1].Score, 1e-12)
}

func TestFuseRanksEmpty(t *testing.T) {
	assert.Nil(t, fuseRanks(nil, 60))
	assert.Nil(t, fuseRanks([]fusionInput{
		{Name: "vector", Weight: 0.5, Hits: nil},
		{Name: "keyword", Weight: 0.3, Hits: nil},
	}, 60))
}

func TestFuseRanksIgnoresNonPositiveWeights(t *testing.T) {
	assert.Nil(t, fuseRanks([]fusionInput{
		{Name: "vector", Weight: 0, Hits: []signalHit{{"A", 1}}},
		{Name: "keyword", Weight: -1, Hits: []signalHit{{"B", 1}}},
	}, 60))

	fused := fuseRanks([]fusionInput{
		{Name: "vector", Weight: 0, Hits: []signalHit{{"A", 1}}},
		{Name: "keyword", Weight: 0.3, Hits: []signalHit{{"B", 1}}},
	}, 60)
	require.Len(t, fused, 1)
	assert.Equal(t, "B", fused[0].ID)
	// The lone live signal carries full weight.
	assert.InDelta(t, 1.0/61, fused[0].Score, 1e-12)
}

func TestFuseRanksTieBreaksByID(t *testing.T) {
	fused := fuseRanks([]fusionInput{
		{Name: "vector", Weight: 0.5, Hits: []signalHit{{"b", 1.0}}},
		{Name: "keyword", Weight: 0.5, Hits: []signalHit{{"a", 1.0}}},
	}, 60)

	require.Len(t, fused, 2)
	assert.Equal(t, fused[0].Score, fused[1].Score)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
}

func TestFuseRanksResortsHits(t *testing.T) {
	// Hit order in the input must not matter; ranks come from scores.
	fused := fuseRanks([]fusionInput{
		{Name: "vector", Weight: 1.0, Hits: []signalHit{{"low", 0.1}, {"high", 0.9}}},
	}, 60)

	require.Len(t, fused, 2)
	assert.Equal(t, "high", fused[0].ID)
	assert.Greater(t, fused[0].Score, fused[1].Score)

	// Equal scores within one signal rank by id.
	fused = fuseRanks([]fusionInput{
		{Name: "vector", Weight: 1.0, Hits: []signalHit{{"z", 0.5}, {"a", 0.5}}},
	}, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
}
