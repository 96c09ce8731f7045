package ranking

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/stywzn/recon-orchestrator/internal/correlation"
	"github.com/stywzn/recon-orchestrator/internal/model"
)

const (
	MaxPathLength = 4
	maxExpansions = 20000
)

var exposureWeights = map[string]float64{
	"high":   1.0,
	"medium": 0.75,
	"low":    0.5,
}

// Exposure weights an entry point by its "exposure" attribute; medium when absent.
func Exposure(f model.Finding) float64 {
	if w, ok := exposureWeights[strings.ToLower(stringAttr(f.Data, "exposure"))]; ok {
		return w
	}
	return exposureWeights["medium"]
}

func risk(f model.Finding) float64 {
	if f.RiskScore == nil {
		return 0
	}
	return *f.RiskScore
}

type candidate struct {
	path  []int
	value float64
}

// Synthesize returns the highest-value chain that starts at an external finding and
// continues through linked internal findings, or nil when no finding is external.
// Past the first internal hop the walk only climbs: each next finding must be at
// least as risky as the one before it, so a chain never ends on a weaker finding
// than the one it passed through.
func Synthesize(projectID string, findings []model.Finding, links []model.AssetLink, now time.Time) *model.PathwayHypothesis {
	idx := make(map[string]int, len(findings))
	for i, f := range findings {
		idx[f.ID] = i
	}
	adj := make([][]int, len(findings))
	for _, l := range links {
		a, okA := idx[l.From]
		b, okB := idx[l.To]
		if !okA || !okB || a == b {
			continue
		}
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}

	var best *candidate
	better := func(c candidate) bool {
		if best == nil {
			return true
		}
		if c.value != best.value {
			return c.value > best.value
		}
		if len(c.path) != len(best.path) {
			return len(c.path) < len(best.path)
		}
		a, b := findings[c.path[0]], findings[best.path[0]]
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.ID < b.ID
	}

	expansions := 0
	visited := make([]bool, len(findings))
	path := make([]int, 0, MaxPathLength)
	var walk func(node int, exposure, sum float64)
	walk = func(node int, exposure, sum float64) {
		floor := math.Inf(-1)
		if len(path) > 0 {
			floor = risk(findings[node])
		}
		path = append(path, node)
		visited[node] = true
		c := candidate{path: path, value: exposure * sum}
		if better(c) {
			best = &candidate{path: append([]int(nil), path...), value: c.value}
		}
		if len(path) < MaxPathLength {
			for _, next := range adj[node] {
				if visited[next] || !findings[next].IsInternal || risk(findings[next]) < floor || expansions >= maxExpansions {
					continue
				}
				expansions++
				walk(next, exposure, sum+risk(findings[next]))
			}
		}
		visited[node] = false
		path = path[:len(path)-1]
	}

	for i, f := range findings {
		if f.IsInternal {
			continue
		}
		walk(i, Exposure(f), risk(f))
	}
	if best == nil {
		return nil
	}

	h := &model.PathwayHypothesis{
		ProjectID:   projectID,
		Score:       best.value / (100 * float64(len(best.path))),
		GeneratedAt: now,
	}
	for _, i := range best.path {
		h.FindingIDs = append(h.FindingIDs, findings[i].ID)
		h.Evidence = append(h.Evidence, findings[i].Title)
	}
	entry := findings[best.path[0]]
	terminal := findings[best.path[len(best.path)-1]]
	h.Hypothesis = hypothesisText(entry, terminal, len(best.path))
	return h
}

func label(f model.Finding) string {
	return strings.ReplaceAll(f.FindingType, "_", " ")
}

func where(f model.Finding) string {
	if d := stringAttr(f.Data, "domain"); d != "" {
		return d
	}
	if h := correlation.HostOf(f); h != "" {
		return h
	}
	return f.Value
}

func hypothesisText(entry, terminal model.Finding, n int) string {
	if n == 1 {
		return fmt.Sprintf("Exposed %s on %s is the most likely initial access point", label(entry), where(entry))
	}
	return fmt.Sprintf("Exposed %s on %s likely pivots to %s on %s", label(entry), where(entry), label(terminal), where(terminal))
}
