// Package category resolves duplicate Category nodes after extraction.
package category

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSimilarityCutoff = 0.955
	DefaultWordSimilarity   = 0.85
)

// Params are the thresholds for merging two categories with different
// names. Both must hold for a pair to merge.
type Params struct {
	SimilarityCutoff float64 `json:"similarity_cutoff"`
	WordSimilarity   float64 `json:"word_similarity"`
}

func (p Params) validate() error {
	if p.SimilarityCutoff < 0 || p.SimilarityCutoff > 1 {
		return apperr.Validation("category.Deduplicate", "similarity_cutoff must be in [0,1], got %v", p.SimilarityCutoff)
	}
	if p.WordSimilarity < 0 || p.WordSimilarity > 1 {
		return apperr.Validation("category.Deduplicate", "word_similarity must be in [0,1], got %v", p.WordSimilarity)
	}
	return nil
}

// Pair is a direct match between two categories. Groups are the transitive
// closure over pairs plus exact name matches.
type Pair struct {
	A       string  `json:"a"`
	B       string  `json:"b"`
	Lexical float64 `json:"lexical"`
	Cosine  float64 `json:"cosine"`
}

type Report struct {
	Merged    int `json:"merged"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`

	Noise    int           `json:"noise"`
	Orphans  int           `json:"orphans"`
	Groups   int           `json:"groups"`
	Pairs    []Pair        `json:"pairs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// scoreFunc returns the lexical and embedding similarity of two categories.
type scoreFunc func(a, b common.Category) (lexical, cosine float64)

func defaultScore(a, b common.Category) (float64, float64) {
	return WordSimilarity(a.Name, b.Name), Cosine(a.Embedding, b.Embedding)
}

// Deduplicator should be created using NewDeduplicator.
type Deduplicator struct {
	store    store.CategoryStore
	parallel int
	score    scoreFunc
}

type NewDeduplicatorParams struct {
	Store store.CategoryStore
	// Parallel bounds the goroutines scoring candidate pairs.
	Parallel int
}

func NewDeduplicator(params NewDeduplicatorParams) *Deduplicator {
	parallel := params.Parallel
	if parallel <= 0 {
		parallel = 4
	}
	return &Deduplicator{store: params.Store, parallel: parallel, score: defaultScore}
}

// Deduplicate deletes noise categories, merges duplicates and removes
// orphans. It is a batch run over a snapshot of the categories; categories
// created while it runs are picked up by the next run.
func (d *Deduplicator) Deduplicate(ctx context.Context, params Params) (Report, error) {
	start := time.Now()
	if err := params.validate(); err != nil {
		return Report{}, err
	}

	categories, err := d.store.ListCategories(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list categories: %w", err)
	}
	logger.Info("[Dedupe] Starting deduplication", "categories", len(categories),
		"similarity_cutoff", params.SimilarityCutoff, "word_similarity", params.WordSimilarity)

	var noise []string
	clean := make([]common.Category, 0, len(categories))
	for _, c := range categories {
		if IsNoise(c.Name) {
			noise = append(noise, c.UUID)
			continue
		}
		clean = append(clean, c)
	}

	pairs, err := d.matchPairs(ctx, clean, params)
	if err != nil {
		return Report{}, err
	}
	set := newDisjointSet(len(clean))
	exact := make(map[string]int, len(clean))
	for i, c := range clean {
		key := NormalizeName(c.Name)
		if first, ok := exact[key]; ok {
			set.union(first, i)
			continue
		}
		exact[key] = i
	}
	index := make(map[string]int, len(clean))
	for i, c := range clean {
		index[c.UUID] = i
	}
	for _, p := range pairs {
		set.union(index[p.A], index[p.B])
	}

	groups := set.components()
	merges := buildMerges(clean, groups)

	report := Report{Groups: len(groups), Pairs: pairs}
	if len(noise) > 0 {
		n, err := d.store.DeleteCategories(ctx, noise)
		if err != nil {
			return Report{}, fmt.Errorf("delete noise categories: %w", err)
		}
		report.Noise = n
	}
	if len(merges) > 0 {
		if err := d.store.MergeCategories(ctx, merges); err != nil {
			return Report{}, fmt.Errorf("merge categories: %w", err)
		}
		for _, m := range merges {
			report.Merged += len(m.Absorbed)
		}
	}
	if _, err := d.store.CleanupMentions(ctx); err != nil {
		return Report{}, fmt.Errorf("cleanup mentions: %w", err)
	}
	orphans, err := d.store.DeleteOrphanCategories(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("delete orphan categories: %w", err)
	}
	report.Orphans = orphans
	report.Deleted = report.Noise + report.Orphans
	report.Unchanged = max(len(categories)-report.Merged-report.Deleted-survivors(clean, groups), 0)
	report.Duration = time.Since(start)

	logger.Info("[Dedupe] Deduplication finished",
		"merged", report.Merged, "deleted", report.Deleted, "unchanged", report.Unchanged,
		"groups", report.Groups, "duration", report.Duration)
	return report, nil
}

// matchPairs scores every pair of categories with different normalised
// names and keeps those meeting both thresholds. Rows are scored in
// parallel; the result is sorted so runs are reproducible.
func (d *Deduplicator) matchPairs(ctx context.Context, categories []common.Category, params Params) ([]Pair, error) {
	var (
		mu    sync.Mutex
		pairs []Pair
	)
	keys := make([]string, len(categories))
	for i, c := range categories {
		keys[i] = NormalizeName(c.Name)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel)
	for i := range categories {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			var local []Pair
			for j := i + 1; j < len(categories); j++ {
				if keys[i] == keys[j] {
					continue
				}
				lexical, cosine := d.score(categories[i], categories[j])
				if lexical >= params.WordSimilarity && cosine >= params.SimilarityCutoff {
					local = append(local, Pair{
						A: categories[i].UUID, B: categories[j].UUID,
						Lexical: lexical, Cosine: cosine,
					})
				}
			}
			if len(local) > 0 {
				mu.Lock()
				pairs = append(pairs, local...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs, nil
}

// buildMerges picks the first member of each group as survivor and unions
// every member's name and aliases into the survivor's aliases.
func buildMerges(categories []common.Category, groups [][]int) []store.CategoryMerge {
	merges := make([]store.CategoryMerge, 0, len(groups))
	for _, group := range groups {
		survivor := categories[group[0]]
		merge := store.CategoryMerge{Survivor: survivor.UUID}
		var aliases []string
		for _, idx := range group {
			c := categories[idx]
			aliases = append(aliases, c.Aliases...)
			if idx != group[0] {
				merge.Absorbed = append(merge.Absorbed, c.UUID)
				if CleanName(c.Name) != CleanName(survivor.Name) {
					aliases = append(aliases, CleanName(c.Name))
				}
			}
		}
		merge.Aliases = store.DedupeStrings(aliases)
		merges = append(merges, merge)
	}
	return merges
}

// survivors counts merge survivors that still have mentions and so were
// changed rather than deleted.
func survivors(categories []common.Category, groups [][]int) int {
	n := 0
	for _, group := range groups {
		for _, idx := range group {
			if categories[idx].Mentions > 0 {
				n++
				break
			}
		}
	}
	return n
}
