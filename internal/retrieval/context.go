package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/tokens"
	"github.com/fairyhunter13/doc-indexer/pkg/textx"
)

// Context types the builder knows templates for.
const (
	ContextStoryBible        = "story_bible"
	ContextCharacterProfiles = "character_profiles"
	ContextWorldBuilding     = "world_building"
	ContextPlotGuidelines    = "plot_guidelines"
	ContextStyleGuide        = "style_guide"
	ContextMixed             = "mixed"
)

var contextTitles = map[string]string{
	ContextStoryBible:        "Story Bible",
	ContextCharacterProfiles: "Character Profiles",
	ContextWorldBuilding:     "World Building",
	ContextPlotGuidelines:    "Plot Guidelines",
	ContextStyleGuide:        "Style Guide",
}

// Section is one titled block in the assembled context.
type Section struct {
	Title     string
	Content   string
	DocType   string
	Relevance float64
	Tokens    int
	Metadata  map[string]any
}

const (
	// overhead reserved for the template headers and joins.
	budgetOverhead = 200
	dedupeJaccard  = 0.8
)

// Builder assembles token-budgeted context from search results.
type Builder struct {
	est       *tokens.Estimator
	projectID string
	now       func() time.Time
}

// NewBuilder constructs a context builder. projectID feeds the
// project-match priority term; empty disables it.
func NewBuilder(est *tokens.Estimator, projectID string) *Builder {
	return &Builder{est: est, projectID: projectID, now: time.Now}
}

// Build turns search results into a formatted context string within the
// token budget.
func (b *Builder) Build(results []SearchResult, budget int, contextType string) (string, error) {
	if budget <= budgetOverhead {
		return "", fmt.Errorf("op=retrieval.build: budget %d leaves no room under the %d token overhead", budget, budgetOverhead)
	}

	sections := b.sectionize(results)
	sections = dedupe(sections)
	b.prioritize(sections, contextType)
	fitted := b.fit(sections, budget)
	return format(fitted, contextType), nil
}

func (b *Builder) sectionize(results []SearchResult) []Section {
	sections := make([]Section, 0, len(results))
	for _, r := range results {
		title := metaString(r.Metadata, "title")
		if title == "" {
			title = r.DocumentID
		}
		sections = append(sections, Section{
			Title:     title,
			Content:   r.Text,
			DocType:   metaString(r.Metadata, "doc_type"),
			Relevance: r.Score,
			Tokens:    b.est.Count(r.Text),
			Metadata:  r.Metadata,
		})
	}
	return sections
}

// dedupe collapses near-duplicate sections, keeping the more relevant one.
func dedupe(sections []Section) []Section {
	var kept []Section
	for _, s := range sections {
		dup := -1
		for i, k := range kept {
			if textx.WordJaccard(s.Content, k.Content) > dedupeJaccard {
				dup = i
				break
			}
		}
		if dup < 0 {
			kept = append(kept, s)
			continue
		}
		if s.Relevance > kept[dup].Relevance {
			kept[dup] = s
		}
	}
	return kept
}

func (b *Builder) prioritize(sections []Section, contextType string) {
	score := func(s Section) float64 {
		return 0.4*s.Relevance +
			0.3*typeBonus(contextType, s.DocType) +
			0.2*b.recencyBonus(s.Metadata) +
			0.1*b.projectBonus(s.Metadata)
	}
	sort.SliceStable(sections, func(i, j int) bool { return score(sections[i]) > score(sections[j]) })
}

func typeBonus(contextType, docType string) float64 {
	if contextType == ContextMixed {
		return 0.5
	}
	if docType != "" && docType == contextType {
		return 1
	}
	return 0
}

// recencyBonus reads indexed_at from the metadata: full bonus inside a
// week, half inside a month, nothing older.
func (b *Builder) recencyBonus(meta map[string]any) float64 {
	raw := metaString(meta, "indexed_at")
	if raw == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	age := b.now().Sub(t)
	switch {
	case age <= 7*24*time.Hour:
		return 1
	case age <= 30*24*time.Hour:
		return 0.5
	default:
		return 0
	}
}

func (b *Builder) projectBonus(meta map[string]any) float64 {
	if b.projectID != "" && metaString(meta, "project_id") == b.projectID {
		return 1
	}
	return 0
}

// fit walks sections in priority order, taking whole sections while
// they fit under budget minus the overhead reserve. When the free space
// drops below 10% of the budget but more than 100 tokens remain, the
// next section is truncated at a sentence boundary instead of dropped.
func (b *Builder) fit(sections []Section, budget int) []Section {
	limit := budget - budgetOverhead
	used := 0
	var out []Section
	for _, s := range sections {
		if used+s.Tokens <= limit {
			out = append(out, s)
			used += s.Tokens
			continue
		}
		free := limit - used
		if free > 100 && free < budget/10 {
			// roughly 4 characters per token for the cut point
			s.Content = textx.TruncateAtSentence(s.Content, free*4)
			s.Tokens = b.est.Count(s.Content)
			if used+s.Tokens <= limit {
				out = append(out, s)
				used += s.Tokens
			}
		}
		break
	}
	return out
}

func format(sections []Section, contextType string) string {
	if len(sections) == 0 {
		return ""
	}
	var sb strings.Builder
	if title, ok := contextTitles[contextType]; ok {
		sb.WriteString("# " + title + "\n\n")
	}
	for _, s := range sections {
		heading := s.Title
		if contextType == ContextMixed && s.DocType != "" {
			heading = s.DocType + ": " + s.Title
		}
		sb.WriteString("## " + heading + "\n\n")
		sb.WriteString(strings.TrimSpace(s.Content))
		sb.WriteString("\n\n")
	}
	return strings.TrimSpace(sb.String())
}
