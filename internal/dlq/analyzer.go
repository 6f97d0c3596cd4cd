// Package dlq triages dead-letter entries: categorization, severity
// scoring, trend roll-ups and operator alerts.
package dlq

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Failure categories.
const (
	CategoryFileHandling      = "file_handling"
	CategoryContentExtraction = "content_extraction"
	CategoryEmbeddingAPI      = "embedding_api"
	CategoryVectorStorage     = "vector_storage"
	CategorySystemResource    = "system_resource"
	CategoryUnknown           = "unknown"
)

// Severity levels.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

var criticalMarkers = []string{"corruption", "security", "authentication", "authorization", "injection", "overflow"}

var transientMarkers = []string{"timeout", "connection", "network", "rate limit", "service unavailable", "temporary"}

var categoryKeywords = []struct {
	category string
	markers  []string
}{
	{CategoryFileHandling, []string{"file", "upload", "size", "extension", "mime", "pdf", "corrupt"}},
	{CategoryContentExtraction, []string{"extract", "ocr", "tika", "text", "empty", "garbled"}},
	{CategoryEmbeddingAPI, []string{"embed", "token", "quota", "rate limit", "model"}},
	{CategoryVectorStorage, []string{"vector", "qdrant", "collection", "upsert", "storage", "disk"}},
	{CategorySystemResource, []string{"memory", "cpu", "descriptor", "resource", "workertimeout"}},
}

// Analyzer computes DLQ triage for terminal failures.
type Analyzer struct {
	Repo  domain.DLQRepository
	Clock clock.Clock
}

// NewAnalyzer constructs the analyzer on the system clock.
func NewAnalyzer(repo domain.DLQRepository) *Analyzer {
	return &Analyzer{Repo: repo, Clock: clock.System()}
}

// Analyze fills in the triage blob for one entry. SimilarLast24h comes
// from the repository when available.
func (a *Analyzer) Analyze(ctx domain.Context, e domain.DLQEntry) domain.DLQAnalysis {
	haystack := strings.ToLower(string(e.ErrorKind) + " " + e.ErrorMessage)

	analysis := domain.DLQAnalysis{
		Category:  categorize(haystack),
		Transient: containsAny(haystack, transientMarkers),
		Critical:  containsAny(haystack, criticalMarkers),
	}

	switch {
	case analysis.Critical:
		analysis.Severity = SeverityCritical
	case e.AttemptCount >= 3:
		analysis.Severity = SeverityHigh
	case analysis.Transient:
		analysis.Severity = SeverityLow
	default:
		analysis.Severity = SeverityMedium
	}

	analysis.RetryRecommended = e.AttemptCount < 5 && !analysis.Critical && !isValidationKind(e.ErrorKind)
	analysis.ManualActions = manualActions(analysis.Category, e.ErrorKind)
	analysis.Recommendation = recommendation(analysis)

	if a.Repo != nil {
		if n, err := a.Repo.CountSimilar(ctx, e.ErrorKind, a.Clock.Now().Add(-24*time.Hour)); err == nil {
			analysis.SimilarLast24h = n
		}
	}
	return analysis
}

func categorize(haystack string) string {
	for _, c := range categoryKeywords {
		if containsAny(haystack, c.markers) {
			return c.category
		}
	}
	return CategoryUnknown
}

func containsAny(haystack string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(haystack, m) {
			return true
		}
	}
	return false
}

func isValidationKind(kind domain.ErrorKind) bool {
	switch kind {
	case domain.KindInvalidFileType, domain.KindInvalidProject, domain.KindFileTooLarge:
		return true
	}
	return false
}

func manualActions(category string, kind domain.ErrorKind) []string {
	switch category {
	case CategoryFileHandling:
		return []string{"verify the uploaded file opens locally", "re-upload a clean copy if the source is damaged"}
	case CategoryContentExtraction:
		return []string{"check the extraction service health", "retry with force_ocr if the document is a scan"}
	case CategoryEmbeddingAPI:
		if kind == domain.KindEmbeddingQuotaExceeded {
			return []string{"review the embedding API billing and quota"}
		}
		return []string{"check embedding API status", "lower the batch size or rate ceiling if throttling persists"}
	case CategoryVectorStorage:
		return []string{"check vector store health and disk headroom"}
	case CategorySystemResource:
		return []string{"inspect worker resource caps and host load"}
	default:
		return []string{"inspect the job trace for the failing stage"}
	}
}

func recommendation(a domain.DLQAnalysis) string {
	switch {
	case a.Critical:
		return "do not retry; escalate to an operator"
	case a.RetryRecommended && a.Transient:
		return "transient failure; retry is likely to succeed"
	case a.RetryRecommended:
		return "retry after addressing the listed manual actions"
	default:
		return "manual intervention required before any retry"
	}
}

// TrendReport rolls up failures over the trailing window (default 7 days).
func (a *Analyzer) TrendReport(ctx domain.Context, days int) (domain.DLQTrendReport, error) {
	if days <= 0 {
		days = 7
	}
	since := a.Clock.Now().AddDate(0, 0, -days)
	entries, err := a.Repo.ListSince(ctx, since)
	if err != nil {
		return domain.DLQTrendReport{}, fmt.Errorf("op=dlq.trend: %w", err)
	}

	report := domain.DLQTrendReport{
		Days:      days,
		Total:     len(entries),
		ByKind:    map[string]int{},
		ByProject: map[string]int{},
		ByDay:     map[string]int{},
	}
	for _, e := range entries {
		report.ByKind[string(e.ErrorKind)]++
		report.ByProject[e.ProjectID]++
		report.ByDay[e.FailedAt.UTC().Format("2006-01-02")]++
	}

	report.TopKinds = topKinds(report.ByKind, 10)
	report.TopProjects = topProjects(report.ByProject, 5)
	report.Recommendations = trendRecommendations(report)
	return report, nil
}

func topKinds(counts map[string]int, limit int) []domain.KindCount {
	out := make([]domain.KindCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, domain.KindCount{Kind: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topProjects(counts map[string]int, limit int) []domain.ProjectCount {
	out := make([]domain.ProjectCount, 0, len(counts))
	for p, n := range counts {
		out = append(out, domain.ProjectCount{ProjectID: p, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ProjectID < out[j].ProjectID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func trendRecommendations(r domain.DLQTrendReport) []string {
	var recs []string
	if len(r.TopKinds) > 0 && r.TopKinds[0].Count > 5 {
		recs = append(recs, fmt.Sprintf("most common kind %s appears %d times", r.TopKinds[0].Kind, r.TopKinds[0].Count))
	}
	for _, p := range r.TopProjects {
		if p.Count > 3 {
			recs = append(recs, fmt.Sprintf("project %s failed %d times", p.ProjectID, p.Count))
		}
	}
	if len(r.ByDay) > 0 {
		maxDay, sum := 0, 0
		for _, n := range r.ByDay {
			sum += n
			if n > maxDay {
				maxDay = n
			}
		}
		mean := float64(sum) / float64(len(r.ByDay))
		if float64(maxDay) > 2*mean {
			recs = append(recs, "failure spike detected: worst day is more than twice the daily mean")
		}
	}
	return recs
}
