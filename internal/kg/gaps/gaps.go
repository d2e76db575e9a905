// Package gaps detects weaknesses in graph connectivity: isolated entities,
// sparsely connected domains and advanced material without prerequisites.
package gaps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/kg/similarity"
	"github.com/kgengine/backend/internal/kg/suggest"
	"github.com/kgengine/backend/internal/storage/models"
	"github.com/kgengine/backend/pkg/apperr"
)

type Depth string

const (
	DepthShallow       Depth = "shallow"
	DepthStandard      Depth = "standard"
	DepthComprehensive Depth = "comprehensive"
)

func (d Depth) Valid() bool {
	switch d {
	case DepthShallow, DepthStandard, DepthComprehensive:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

type GapType string

const (
	GapIsolatedEntity      GapType = "isolated_entity"
	GapWeakDomain          GapType = "weak_domain"
	GapMissingPrerequisite GapType = "missing_prerequisite"
)

// Thresholds tune weak-domain detection. Completeness below High is a high
// severity gap, below Medium medium, below Low low.
type Thresholds struct {
	TargetDensity float64
	High          float64
	Medium        float64
	Low           float64
}

var DefaultThresholds = Thresholds{TargetDensity: 0.3, High: 0.2, Medium: 0.4, Low: 0.6}

type Request struct {
	Depth              Depth
	FocusDomains       []string
	MinSeverity        Severity
	IncludeSuggestions bool
	IsolationThreshold int
	Thresholds         Thresholds
}

type Gap struct {
	ID          string   `json:"id"`
	Type        GapType  `json:"gap_type"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Domain      string   `json:"domain"`
	EntityIDs   []string `json:"entity_ids"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type DomainReport struct {
	Domain            string   `json:"domain"`
	EntityCount       int      `json:"entity_count"`
	RelationshipCount int      `json:"relationship_count"`
	Density           float64  `json:"density"`
	Coverage          float64  `json:"coverage"`
	Completeness      float64  `json:"completeness"`
	Severity          Severity `json:"severity,omitempty"`
}

type Result struct {
	Depth               Depth           `json:"depth"`
	Gaps                []Gap           `json:"gaps"`
	Domains             []DomainReport  `json:"domains"`
	OverallCompleteness float64         `json:"overall_completeness"`
	Counts              map[GapType]int `json:"counts"`
}

func (r *Request) Normalize() error {
	const op = "AnalyzeGaps"
	if r.Depth == "" {
		r.Depth = DepthStandard
	}
	if !r.Depth.Valid() {
		return apperr.Validation(op, "unknown depth %q", r.Depth)
	}
	if r.MinSeverity == "" {
		r.MinSeverity = SeverityLow
	}
	if !r.MinSeverity.Valid() {
		return apperr.Validation(op, "unknown min_severity %q", r.MinSeverity)
	}
	if r.IsolationThreshold < 0 {
		return apperr.Validation(op, "isolation threshold must not be negative")
	}
	if r.Thresholds == (Thresholds{}) {
		r.Thresholds = DefaultThresholds
	}
	t := r.Thresholds
	if t.TargetDensity <= 0 || !(t.High < t.Medium && t.Medium < t.Low) {
		return apperr.Validation(op, "completeness cutoffs must satisfy high < medium < low")
	}
	for i, d := range r.FocusDomains {
		r.FocusDomains[i] = strings.ToLower(strings.TrimSpace(d))
	}
	return nil
}

// Analyze runs the detectors enabled by the requested depth concurrently.
func Analyze(ctx context.Context, ix *similarity.Index, req Request) (*Result, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	snap := ix.Snapshot()

	reports := domainReports(snap, req.Thresholds)
	result := &Result{
		Depth:               req.Depth,
		Gaps:                []Gap{},
		Domains:             []DomainReport{},
		OverallCompleteness: overall(reports),
		Counts:              make(map[GapType]int),
	}

	var found [3][]Gap
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		found[0], err = isolated(gctx, ix, req)
		return err
	})
	if req.Depth != DepthShallow {
		g.Go(func() error {
			found[1] = weakDomains(snap, reports, req)
			return nil
		})
	}
	if req.Depth == DepthComprehensive {
		g.Go(func() error {
			var err error
			found[2], err = missingPrerequisites(gctx, snap, req.IncludeSuggestions)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Internal("AnalyzeGaps", err)
	}

	focus := make(map[string]bool, len(req.FocusDomains))
	for _, d := range req.FocusDomains {
		focus[d] = true
	}
	inFocus := func(domain string) bool { return len(focus) == 0 || focus[domain] }

	for _, list := range found {
		for _, gap := range list {
			if gap.Severity.Rank() < req.MinSeverity.Rank() || !inFocus(gap.Domain) {
				continue
			}
			result.Gaps = append(result.Gaps, gap)
			result.Counts[gap.Type]++
		}
	}
	for _, r := range reports {
		if inFocus(r.Domain) {
			result.Domains = append(result.Domains, r)
		}
	}

	sort.Slice(result.Gaps, func(i, j int) bool {
		a, b := result.Gaps[i], result.Gaps[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
	return result, nil
}

func isolated(ctx context.Context, ix *similarity.Index, req Request) ([]Gap, error) {
	snap := ix.Snapshot()
	var out []Gap
	for _, id := range snap.IDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		degree := snap.Degree(id)
		if degree > req.IsolationThreshold {
			continue
		}
		n, _ := snap.Node(id)
		gap := Gap{
			ID:          string(GapIsolatedEntity) + ":" + id,
			Type:        GapIsolatedEntity,
			Severity:    SeverityHigh,
			Confidence:  0.5 + 0.5*n.ConfidenceScore,
			Domain:      n.Domain,
			EntityIDs:   []string{id},
			Title:       "Isolated entity: " + n.Name,
			Description: fmt.Sprintf("%q has %d relationships", n.Name, degree),
		}
		if req.IncludeSuggestions {
			gap.Suggestions = isolatedSuggestions(ctx, ix, n)
		}
		out = append(out, gap)
	}
	return out, nil
}

func isolatedSuggestions(ctx context.Context, ix *similarity.Index, n *graph.Node) []string {
	res, err := suggest.Suggest(ctx, ix, suggest.Request{EntityID: n.ID, Limit: 3})
	if err != nil || len(res.Suggestions) == 0 {
		return []string{fmt.Sprintf("Link %q to the entities it was extracted alongside", n.Name)}
	}
	out := make([]string, 0, len(res.Suggestions))
	for _, s := range res.Suggestions {
		out = append(out, fmt.Sprintf("Consider %q -[%s]-> %q (confidence %.2f)",
			n.Name, s.RelationshipType, s.TargetEntityName, s.Confidence))
	}
	return out
}

// coveredByDomain reports which entities take part in at least one
// relationship whose endpoints share a domain.
func coveredByDomain(snap *graph.Snapshot) map[string]bool {
	covered := make(map[string]bool)
	for _, r := range snap.Relationships() {
		src, _ := snap.Node(r.SourceEntityID)
		dst, _ := snap.Node(r.TargetEntityID)
		if src.Domain == dst.Domain {
			covered[r.SourceEntityID] = true
			covered[r.TargetEntityID] = true
		}
	}
	return covered
}

func domainReports(snap *graph.Snapshot, t Thresholds) []DomainReport {
	type pair struct{ a, b string }
	pairs := make(map[string]map[pair]bool)
	covered := coveredByDomain(snap)
	edges := make(map[string]int)

	for _, r := range snap.Relationships() {
		src, _ := snap.Node(r.SourceEntityID)
		dst, _ := snap.Node(r.TargetEntityID)
		if src.Domain != dst.Domain {
			continue
		}
		p := pair{r.SourceEntityID, r.TargetEntityID}
		if p.b < p.a {
			p.a, p.b = p.b, p.a
		}
		if pairs[src.Domain] == nil {
			pairs[src.Domain] = make(map[pair]bool)
		}
		pairs[src.Domain][p] = true
		edges[src.Domain]++
	}

	domains := snap.Domains()
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)

	reports := make([]DomainReport, 0, len(names))
	for _, d := range names {
		members := domains[d]
		n := len(members)
		rep := DomainReport{Domain: d, EntityCount: n, RelationshipCount: edges[d]}

		if n < 2 {
			if snap.Degree(members[0]) > 0 {
				rep.Coverage, rep.Completeness = 1, 1
			}
			reports = append(reports, rep)
			continue
		}

		withEdge := 0
		for _, id := range members {
			if covered[id] {
				withEdge++
			}
		}
		rep.Density = float64(len(pairs[d])) / (float64(n) * float64(n-1) / 2)
		rep.Coverage = float64(withEdge) / float64(n)
		rep.Completeness = 0.6*min(1, rep.Density/t.TargetDensity) + 0.4*rep.Coverage
		rep.Severity = severityFor(rep.Completeness, t)
		reports = append(reports, rep)
	}
	return reports
}

func severityFor(completeness float64, t Thresholds) Severity {
	switch {
	case completeness < t.High:
		return SeverityHigh
	case completeness < t.Medium:
		return SeverityMedium
	case completeness < t.Low:
		return SeverityLow
	}
	return ""
}

// weakDomains reports every domain under the low completeness cutoff. The
// affected entities are the members without an in-domain relationship, or
// the whole domain when all of them have one.
func weakDomains(snap *graph.Snapshot, reports []DomainReport, req Request) []Gap {
	t := req.Thresholds
	domains := snap.Domains()
	covered := coveredByDomain(snap)
	var out []Gap
	for _, r := range reports {
		if r.EntityCount < 2 || r.Severity == "" {
			continue
		}
		members := append([]string(nil), domains[r.Domain]...)
		sort.Strings(members)
		var affected []string
		for _, id := range members {
			if !covered[id] {
				affected = append(affected, id)
			}
		}
		if len(affected) == 0 {
			affected = members
		}
		gap := Gap{
			ID:         string(GapWeakDomain) + ":" + r.Domain,
			Type:       GapWeakDomain,
			Severity:   r.Severity,
			Confidence: min(1, 0.5+0.05*float64(r.EntityCount)),
			Domain:     r.Domain,
			EntityIDs:  affected,
			Title:      "Weak domain: " + r.Domain,
			Description: fmt.Sprintf("domain %q is %.0f%% complete (density %.2f against target %.2f, coverage %.2f)",
				r.Domain, 100*r.Completeness, r.Density, t.TargetDensity, r.Coverage),
		}
		if req.IncludeSuggestions {
			gap.Suggestions = []string{fmt.Sprintf("Add relationships between the %d entities of %q", r.EntityCount, r.Domain)}
		}
		out = append(out, gap)
	}
	return out
}

// missingPrerequisites flags advanced or expert entities with no foundation:
// no prerequisite or builds_on edge linking them to an entity of a strictly
// lower level.
func missingPrerequisites(ctx context.Context, snap *graph.Snapshot, withSuggestions bool) ([]Gap, error) {
	var out []Gap
	for _, id := range snap.IDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, _ := snap.Node(id)
		if n.Level < models.LevelAdvanced {
			continue
		}
		if hasFoundation(snap, n) {
			continue
		}
		gap := Gap{
			ID:          string(GapMissingPrerequisite) + ":" + id,
			Type:        GapMissingPrerequisite,
			Severity:    SeverityMedium,
			Confidence:  0.4 + 0.4*n.ConfidenceScore,
			Domain:      n.Domain,
			EntityIDs:   []string{id},
			Title:       "Missing prerequisite: " + n.Name,
			Description: fmt.Sprintf("%s level entity %q has no prerequisite at a lower level", n.Level, n.Name),
		}
		if withSuggestions {
			gap.Suggestions = []string{fmt.Sprintf("Add a prerequisite relationship into %q from introductory material", n.Name)}
		}
		out = append(out, gap)
	}
	return out, nil
}

func hasFoundation(snap *graph.Snapshot, n *graph.Node) bool {
	lower := func(id string) bool {
		other, ok := snap.Node(id)
		return ok && other.Level < n.Level
	}
	for _, r := range snap.Incoming(n.ID) {
		switch r.RelationshipType {
		case models.RelPrerequisite, models.RelBuildsOn:
			if lower(r.SourceEntityID) {
				return true
			}
		}
	}
	for _, r := range snap.Outgoing(n.ID) {
		if r.RelationshipType == models.RelBuildsOn && lower(r.TargetEntityID) {
			return true
		}
	}
	return false
}

// overall is the size-weighted mean completeness across every domain.
func overall(reports []DomainReport) float64 {
	var sum, total float64
	for _, r := range reports {
		sum += r.Completeness * float64(r.EntityCount)
		total += float64(r.EntityCount)
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
