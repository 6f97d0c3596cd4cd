package tokens_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/doc-indexer/internal/tokens"
)

func TestCount_Empty(t *testing.T) {
	e := tokens.NewEstimator()
	assert.Equal(t, 0, e.Count(""))
}

func TestCount_Positive(t *testing.T) {
	e := tokens.NewEstimator()
	n := e.Count("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 45, "count must be far below the byte length")
}

func TestCount_GrowsWithText(t *testing.T) {
	e := tokens.NewEstimator()
	short := e.Count("one sentence")
	long := e.Count("one sentence followed by a much longer continuation with many more words in it")
	assert.Greater(t, long, short)
}

func TestCountBatch(t *testing.T) {
	e := tokens.NewEstimator()
	batch := []string{"alpha beta", "gamma delta epsilon"}
	assert.Equal(t, e.Count(batch[0])+e.Count(batch[1]), e.CountBatch(batch))
	assert.Equal(t, 0, e.CountBatch(nil))
}
