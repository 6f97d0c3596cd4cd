// Package tokens estimates token counts for rate limiting, cost
// accounting and context budgeting.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encodingName matches the tokenizer family of the embedding models.
const encodingName = "cl100k_base"

// Estimator counts tokens with tiktoken when the encoding loads and falls
// back to ceil(len/4) otherwise. The fallback overestimates for prose,
// which is the safe direction for budget checks.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns a lazy estimator; the encoding loads on first use.
func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(encodingName)
		if err != nil {
			slog.Warn("tokenizer unavailable, falling back to length heuristic", slog.Any("error", err))
			return
		}
		e.enc = enc
	})
	return e.enc
}

// Count returns the token count for one string.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// CountBatch sums token counts over a batch.
func (e *Estimator) CountBatch(batch []string) int {
	total := 0
	for _, s := range batch {
		total += e.Count(s)
	}
	return total
}
