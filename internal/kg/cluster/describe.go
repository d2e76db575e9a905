package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kgengine/backend/internal/kg/graph"
	"github.com/kgengine/backend/internal/kg/similarity"
	"github.com/kgengine/backend/pkg/utils"
)

const maxKeywords = 5

// describe derives the presentation fields of a cluster from its sorted
// members.
func describe(snap *graph.Snapshot, members []string, score simFunc) Cluster {
	c := Cluster{
		ID:        utils.HashIDs(members),
		EntityIDs: members,
		Size:      len(members),
	}

	var pairSum float64
	var pairs int
	var texts []string
	bestSum := -1.0
	domains := make(map[string]int)
	for i, a := range members {
		var sum float64
		for j, b := range members {
			if i == j {
				continue
			}
			s := score(a, b)
			sum += s
			if j > i {
				pairSum += s
				pairs++
			}
		}
		if sum > bestSum || (sum == bestSum && moreCentral(snap, a, c.CentralEntityID)) {
			bestSum, c.CentralEntityID = sum, a
		}
		n, _ := snap.Node(a)
		texts = append(texts, n.Text())
		domains[n.Domain]++
	}
	if pairs > 0 {
		c.CohesionScore = clamp01(pairSum / float64(pairs))
	}

	c.Domain = majority(domains)
	c.Keywords = keywords(strings.Join(texts, ". "), maxKeywords)

	central, _ := snap.Node(c.CentralEntityID)
	if len(c.Keywords) > 0 {
		top := c.Keywords
		if len(top) > 3 {
			top = top[:3]
		}
		c.Name = cases.Title(language.English).String(strings.Join(top, " "))
	} else {
		c.Name = central.Name
	}
	c.Description = fmt.Sprintf("%d %s entities centred on %q (cohesion %.2f)",
		c.Size, c.Domain, central.Name, c.CohesionScore)
	return c
}

// moreCentral breaks ties on summed similarity by degree, then id.
func moreCentral(snap *graph.Snapshot, a, current string) bool {
	if current == "" {
		return true
	}
	da, dc := snap.Degree(a), snap.Degree(current)
	if da != dc {
		return da > dc
	}
	return a < current
}

func majority(counts map[string]int) string {
	best, bestN := "", 0
	for d, n := range counts {
		if n > bestN || (n == bestN && d < best) {
			best, bestN = d, n
		}
	}
	return best
}

// keywords ranks nouns and adjectives in text by frequency. Tokens the
// tagger rejects fall back to the plain tokenizer.
func keywords(text string, limit int) []string {
	counts := make(map[string]int)
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err == nil {
		for _, tok := range doc.Tokens() {
			if !strings.HasPrefix(tok.Tag, "NN") && !strings.HasPrefix(tok.Tag, "JJ") {
				continue
			}
			for _, t := range similarity.Tokenize(tok.Text) {
				counts[t]++
			}
		}
	}
	if len(counts) == 0 {
		for _, t := range similarity.Tokenize(text) {
			counts[t]++
		}
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > limit {
		words = words[:limit]
	}
	return words
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
