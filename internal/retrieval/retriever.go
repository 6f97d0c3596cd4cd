// Package retrieval is the query side of the index: semantic, keyword,
// hybrid and metadata-only search over the vector store, plus the
// token-budgeted context builder.
package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/pkg/textx"
)

// SearchResult is one ranked retrieval hit.
type SearchResult struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	Text       string         `json:"text"`
	Score      float64        `json:"score"`
	Rank       int            `json:"rank"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// keyword candidates fetched per query; keyword scoring needs a wider
// net than the requested n because the store cannot rank by term.
const keywordFetchLimit = 200

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "him": {}, "his": {},
	"how": {}, "its": {}, "may": {}, "she": {}, "that": {}, "this": {},
	"with": {}, "have": {}, "from": {}, "they": {}, "will": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "their": {}, "there": {},
	"about": {}, "would": {}, "these": {}, "into": {}, "them": {},
}

// Retriever runs searches against the vector store.
type Retriever struct {
	store     domain.VectorStore
	embedder  domain.EmbeddingModel
	threshold float64
}

// NewRetriever constructs a retriever. threshold is the minimum
// similarity a semantic hit must reach to be returned.
func NewRetriever(store domain.VectorStore, embedder domain.EmbeddingModel, threshold float64) *Retriever {
	return &Retriever{store: store, embedder: embedder, threshold: threshold}
}

// Similarity converts a store distance into [0,1].
func Similarity(distance float64) float64 {
	s := 1 - distance/2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Semantic embeds the query and returns hits at or above the
// similarity threshold.
func (r *Retriever) Semantic(ctx domain.Context, query string, n int, filter map[string]any) ([]SearchResult, error) {
	ctx, span := otel.Tracer("retrieval").Start(ctx, "retrieval.Semantic")
	defer span.End()

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.semantic.embed: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("op=retrieval.semantic: expected 1 query vector, got %d", len(vecs))
	}

	hits, err := r.store.Search(ctx, vecs[0], n, filter)
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.semantic.search: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		score := Similarity(h.Distance)
		if score < r.threshold {
			continue
		}
		// Stores may key points by a derived id; the logical chunk id
		// travels in the payload.
		chunkID := metaString(h.Metadata, "chunk_id")
		if chunkID == "" {
			chunkID = h.ID
		}
		results = append(results, SearchResult{
			ChunkID:    chunkID,
			DocumentID: metaString(h.Metadata, "document_id"),
			Text:       h.Text,
			Score:      score,
			Metadata:   h.Metadata,
		})
	}
	return assignRanks(results), nil
}

// Keyword scores stored chunks by keyword presence and frequency.
func (r *Retriever) Keyword(ctx domain.Context, query string, n int, filter map[string]any) ([]SearchResult, error) {
	ctx, span := otel.Tracer("retrieval").Start(ctx, "retrieval.Keyword")
	defer span.End()

	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return nil, nil
	}

	records, err := r.store.Get(ctx, filter, keywordFetchLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.keyword.get: %w", err)
	}

	phrase := strings.ToLower(strings.TrimSpace(query))
	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		score := keywordScore(rec.Text, keywords, phrase)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:    rec.ChunkID,
			DocumentID: rec.DocumentID,
			Text:       rec.Text,
			Score:      score,
			Metadata:   rec.Metadata,
		})
	}
	sortByScore(results)
	if len(results) > n {
		results = results[:n]
	}
	return assignRanks(results), nil
}

// Hybrid combines semantic and keyword scores 0.6/0.4. Both legs run
// with doubled n so the blend has enough candidates to re-rank.
func (r *Retriever) Hybrid(ctx domain.Context, query string, n int, filter map[string]any) ([]SearchResult, error) {
	ctx, span := otel.Tracer("retrieval").Start(ctx, "retrieval.Hybrid")
	defer span.End()

	sem, err := r.Semantic(ctx, query, n*2, filter)
	if err != nil {
		return nil, err
	}
	kw, err := r.Keyword(ctx, query, n*2, filter)
	if err != nil {
		return nil, err
	}

	type blend struct {
		result SearchResult
		score  float64
	}
	combined := map[string]*blend{}
	for _, s := range sem {
		combined[s.ChunkID] = &blend{result: s, score: 0.6 * s.Score}
	}
	for _, k := range kw {
		if b, ok := combined[k.ChunkID]; ok {
			b.score += 0.4 * k.Score
		} else {
			combined[k.ChunkID] = &blend{result: k, score: 0.4 * k.Score}
		}
	}

	results := make([]SearchResult, 0, len(combined))
	for _, b := range combined {
		b.result.Score = b.score
		results = append(results, b.result)
	}
	sortByScore(results)
	if len(results) > n {
		results = results[:n]
	}
	return assignRanks(results), nil
}

// MetadataOnly fetches by filter alone and scores by the share of query
// tokens the chunk contains.
func (r *Retriever) MetadataOnly(ctx domain.Context, query string, filter map[string]any, limit int) ([]SearchResult, error) {
	ctx, span := otel.Tracer("retrieval").Start(ctx, "retrieval.MetadataOnly")
	defer span.End()

	records, err := r.store.Get(ctx, filter, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.metadata.get: %w", err)
	}

	qtokens := textx.Tokenize(query)
	results := make([]SearchResult, 0, len(records))
	for _, rec := range records {
		results = append(results, SearchResult{
			ChunkID:    rec.ChunkID,
			DocumentID: rec.DocumentID,
			Text:       rec.Text,
			Score:      tokenOverlap(qtokens, rec.Text),
			Metadata:   rec.Metadata,
		})
	}
	sortByScore(results)
	return assignRanks(results), nil
}

// ExtractKeywords returns the lower-case tokens of length > 2 that are
// not stop words, deduplicated in order of first appearance.
func ExtractKeywords(query string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, tok := range textx.Tokenize(query) {
		if len(tok) <= 2 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// keywordScore averages per-keyword scores (0.5 for presence plus up to
// 0.4 for frequency) and adds 0.2 when the whole phrase appears verbatim.
func keywordScore(text string, keywords []string, phrase string) float64 {
	lower := strings.ToLower(text)
	var sum float64
	for _, kw := range keywords {
		count := strings.Count(lower, kw)
		if count == 0 {
			continue
		}
		freq := float64(count) * 0.1
		if freq > 0.4 {
			freq = 0.4
		}
		sum += 0.5 + freq
	}
	score := sum / float64(len(keywords))
	if phrase != "" && strings.Contains(lower, phrase) {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}

func tokenOverlap(qtokens []string, text string) float64 {
	if len(qtokens) == 0 {
		return 0
	}
	docTokens := map[string]struct{}{}
	for _, t := range textx.Tokenize(text) {
		docTokens[t] = struct{}{}
	}
	matched := 0
	for _, q := range qtokens {
		if _, ok := docTokens[q]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(qtokens))
}

func sortByScore(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}

func assignRanks(results []SearchResult) []SearchResult {
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
