package knowledge

import (
	"sort"
	"strings"

	"govmon/internal/types"
)

// duplicateThreshold is the similarity score above which a store with
// check_duplicates=true reports a likely duplicate.
const duplicateThreshold = 0.5

// surfacedSummaryMax caps the summary length carried back inside update
// responses so surfacing stays token-bounded.
const surfacedSummaryMax = 200

// Query holds search filters. Zero values mean "no filter"; Tags are
// ANDed.
type Query struct {
	AgentID  string
	Type     DiscoveryType
	Severity Severity
	Status   Status
	Tags     []string
	Text     string // case-insensitive substring over summary+details

	Limit     int    // default 100
	SortBy    string // "timestamp" (default) or "severity"
	SortOrder string // "desc" (default) or "asc"
}

// Search filters the graph and returns up to Limit copies.
func (g *Graph) Search(q Query) ([]*Discovery, error) {
	switch q.SortBy {
	case "", "timestamp", "severity":
	default:
		return nil, types.Validation("sort_by must be timestamp or severity, got %q", q.SortBy)
	}
	switch q.SortOrder {
	case "", "asc", "desc":
	default:
		return nil, types.Validation("sort_order must be asc or desc, got %q", q.SortOrder)
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	// Narrow through the most selective available index before scanning.
	candidates := g.discoveries
	switch {
	case q.AgentID != "":
		candidates = g.byAgent[q.AgentID]
	case len(q.Tags) > 0:
		candidates = g.byTag[q.Tags[0]]
	case q.Type != "":
		candidates = g.byType[q.Type]
	case q.Status != "":
		candidates = g.byStatus[q.Status]
	}

	text := strings.ToLower(q.Text)
	var out []*Discovery
	for _, d := range candidates {
		if !matches(d, q, text) {
			continue
		}
		out = append(out, d)
	}

	sortDiscoveries(out, q.SortBy, q.SortOrder)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	copies := make([]*Discovery, len(out))
	for i, d := range out {
		copies[i] = d.clone()
	}
	return copies, nil
}

func matches(d *Discovery, q Query, loweredText string) bool {
	if q.AgentID != "" && d.AgentID != q.AgentID {
		return false
	}
	if q.Type != "" && d.Type != q.Type {
		return false
	}
	if q.Severity != "" && d.Severity != q.Severity {
		return false
	}
	if q.Status != "" && d.Status != q.Status {
		return false
	}
	for _, tag := range q.Tags {
		if !d.HasTag(tag) {
			return false
		}
	}
	if loweredText != "" {
		if !strings.Contains(strings.ToLower(d.Summary), loweredText) &&
			!strings.Contains(strings.ToLower(d.Details), loweredText) {
			return false
		}
	}
	return true
}

func sortDiscoveries(ds []*Discovery, by, order string) {
	asc := order == "asc"
	sort.SliceStable(ds, func(i, j int) bool {
		var less bool
		if by == "severity" {
			less = ds[i].Severity.Rank() < ds[j].Severity.Rank()
		} else {
			less = ds[i].CreatedAt.Before(ds[j].CreatedAt.Time)
		}
		if asc {
			return less
		}
		return !less
	})
}

// Scored pairs a discovery with its similarity or relevance score.
type Scored struct {
	Discovery *Discovery `json:"discovery"`
	Score     float64    `json:"score"`
}

// FindSimilar returns discoveries whose tag/keyword profile overlaps the
// given summary with Jaccard score >= threshold, best first.
func (g *Graph) FindSimilar(summary string, threshold float64, limit int) []Scored {
	if limit <= 0 {
		limit = 10
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	scored := g.similarLocked(summary, nil, threshold, limit)
	for i := range scored {
		scored[i].Discovery = scored[i].Discovery.clone()
	}
	return scored
}

// similarLocked scores every discovery against the token set of summary
// plus tags. Caller holds g.mu.
func (g *Graph) similarLocked(summary string, tags []string, threshold float64, limit int) []Scored {
	probe := tokenSet(summary)
	for _, t := range tags {
		probe[strings.ToLower(t)] = true
	}
	if len(probe) == 0 {
		return nil
	}

	var out []Scored
	for _, d := range g.discoveries {
		target := tokenSet(d.Summary)
		for _, t := range d.Tags {
			target[strings.ToLower(t)] = true
		}
		score := jaccard(probe, target)
		if score >= threshold {
			out = append(out, Scored{Discovery: d, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// stopwords excluded from token sets; without this, short summaries
// match on articles alone.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "in": true, "on": true, "of": true,
	"to": true, "and": true, "or": true, "is": true, "are": true, "was": true,
	"for": true, "with": true, "when": true, "that": true, "this": true,
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	for _, w := range words {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Surfaced is the token-bounded discovery reference included in update
// responses.
type Surfaced struct {
	ID       string        `json:"id"`
	AgentID  string        `json:"agent_id"`
	Type     DiscoveryType `json:"type"`
	Severity Severity      `json:"severity"`
	Summary  string        `json:"summary"`
	Score    float64       `json:"score"`
}

// Relevant surfaces the top-k open/resolved discoveries from OTHER
// agents matching the caller's tags and response text. One pass over the
// tag index plus a bounded fallback scan keeps it cheap.
func (g *Graph) Relevant(agentID string, tags []string, text string, k int) []Surfaced {
	if k <= 0 {
		k = 3
	}
	probe := tokenSet(text)
	for _, t := range tags {
		probe[strings.ToLower(t)] = true
	}
	if len(probe) == 0 {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	// Candidates: everything under a probed tag, falling back to the
	// open set when tags hit nothing.
	seen := make(map[string]bool)
	var candidates []*Discovery
	for w := range probe {
		for _, d := range g.byTag[w] {
			if !seen[d.ID] {
				seen[d.ID] = true
				candidates = append(candidates, d)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = g.byStatus[StatusOpen]
	}

	var scored []Scored
	for _, d := range candidates {
		if d.AgentID == agentID {
			continue
		}
		if d.Status != StatusOpen && d.Status != StatusResolved {
			continue
		}
		target := tokenSet(d.Summary)
		for _, t := range d.Tags {
			target[strings.ToLower(t)] = true
		}
		if score := jaccard(probe, target); score > 0 {
			scored = append(scored, Scored{Discovery: d, Score: score})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}

	out := make([]Surfaced, len(scored))
	for i, s := range scored {
		summary := s.Discovery.Summary
		if len(summary) > surfacedSummaryMax {
			summary = summary[:surfacedSummaryMax]
		}
		out[i] = Surfaced{
			ID:       s.Discovery.ID,
			AgentID:  s.Discovery.AgentID,
			Type:     s.Discovery.Type,
			Severity: s.Discovery.Severity,
			Summary:  summary,
			Score:    s.Score,
		}
	}
	return out
}
