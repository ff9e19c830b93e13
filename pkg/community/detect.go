package community

import (
	"fmt"
	"sort"

	"github.com/menome/thelink/backend/pkg/common"
)

// propagate runs asynchronous weighted label propagation. Nodes are visited
// in uuid order and ties go to the smallest label, so the same graph always
// yields the same partition. Isolated nodes keep their own label and end up
// as singletons.
func propagate(nodes []string, links []common.CategoryLink, maxIterations int) map[string]string {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)

	adj := make(map[string]map[string]int, len(sorted))
	for _, n := range sorted {
		adj[n] = make(map[string]int)
	}
	for _, l := range links {
		if l.From == l.To || l.Weight <= 0 {
			continue
		}
		if _, ok := adj[l.From]; !ok {
			continue
		}
		if _, ok := adj[l.To]; !ok {
			continue
		}
		adj[l.From][l.To] += l.Weight
		adj[l.To][l.From] += l.Weight
	}

	label := make(map[string]string, len(sorted))
	for _, n := range sorted {
		label[n] = n
	}

	for iter := 0; iter < maxIterations; iter++ {
		changed := false
		for _, n := range sorted {
			if len(adj[n]) == 0 {
				continue
			}
			scores := make(map[string]int)
			for nb, w := range adj[n] {
				scores[label[nb]] += w
			}
			best, bestScore := label[n], scores[label[n]]
			for l, s := range scores {
				if s > bestScore || (s == bestScore && l < best) {
					best, bestScore = l, s
				}
			}
			if best != label[n] {
				label[n] = best
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return label
}

// group turns a labelling into communities with sorted members. Communities
// are ordered by their smallest member and numbered in that order.
func group(label map[string]string, level int) []common.Community {
	byLabel := make(map[string][]string)
	for n, l := range label {
		byLabel[l] = append(byLabel[l], n)
	}
	out := make([]common.Community, 0, len(byLabel))
	for _, members := range byLabel {
		sort.Strings(members)
		out = append(out, common.Community{Level: level, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Members[0] < out[j].Members[0] })
	for i := range out {
		out[i].ID = fmt.Sprintf("community-%d-%d", level, i)
	}
	return out
}

// coarsen builds the level above communities: each community becomes a
// node, linked to its neighbours by the summed weight of the category links
// crossing between them, and propagation runs again. Members of the new
// communities are categories. It returns nil when nothing merges.
func coarsen(communities []common.Community, links []common.CategoryLink, level, maxIterations int) []common.Community {
	owner := make(map[string]string)
	nodes := make([]string, 0, len(communities))
	for _, c := range communities {
		nodes = append(nodes, c.ID)
		for _, m := range c.Members {
			owner[m] = c.ID
		}
	}

	weights := make(map[[2]string]int)
	for _, l := range links {
		a, b := owner[l.From], owner[l.To]
		if a == "" || b == "" || a == b {
			continue
		}
		if b < a {
			a, b = b, a
		}
		weights[[2]string{a, b}] += l.Weight
	}
	if len(weights) == 0 {
		return nil
	}
	upper := make([]common.CategoryLink, 0, len(weights))
	for k, w := range weights {
		upper = append(upper, common.CategoryLink{From: k[0], To: k[1], Weight: w})
	}

	label := propagate(nodes, upper, maxIterations)
	distinct := make(map[string]struct{}, len(label))
	for _, l := range label {
		distinct[l] = struct{}{}
	}
	if len(distinct) == len(nodes) {
		return nil
	}

	byCategory := make(map[string]string, len(owner))
	for category, id := range owner {
		byCategory[category] = label[id]
	}
	return group(byCategory, level)
}

// rank is the number of distinct documents mentioning any member.
func rank(members []string, documents map[string][]string) int {
	seen := make(map[string]struct{})
	for _, m := range members {
		for _, d := range documents[m] {
			seen[d] = struct{}{}
		}
	}
	return len(seen)
}

// Stats describes the community size distribution.
type Stats struct {
	Count int `json:"count"`
	P25   int `json:"p25"`
	P50   int `json:"p50"`
	P75   int `json:"p75"`
	P90   int `json:"p90"`
	P99   int `json:"p99"`
	Max   int `json:"max"`
}

func sizeStats(communities []common.Community) Stats {
	if len(communities) == 0 {
		return Stats{}
	}
	sizes := make([]int, len(communities))
	for i, c := range communities {
		sizes[i] = len(c.Members)
	}
	sort.Ints(sizes)
	return Stats{
		Count: len(sizes),
		P25:   percentile(sizes, 25),
		P50:   percentile(sizes, 50),
		P75:   percentile(sizes, 75),
		P90:   percentile(sizes, 90),
		P99:   percentile(sizes, 99),
		Max:   sizes[len(sizes)-1],
	}
}

// percentile uses the nearest-rank method over sorted values.
func percentile(sorted []int, p int) int {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p*len(sorted) + 99) / 100
	if idx < 1 {
		idx = 1
	}
	return sorted[idx-1]
}
