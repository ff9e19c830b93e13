// Package community clusters the category co-occurrence graph and writes a
// summary per cluster.
package community

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/menome/thelink/backend/pkg/ai"
	"github.com/menome/thelink/backend/pkg/common"
	"github.com/menome/thelink/backend/pkg/logger"
	"github.com/menome/thelink/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultMinSize       = 2
	DefaultMaxIterations = 20
	DefaultMaxLevels     = 2
)

// Detector should be created using NewDetector.
type Detector struct {
	store         store.CommunityStore
	ai            ai.GraphAIClient
	minSize       int
	parallel      int
	maxIterations int
	maxLevels     int
}

// NewDetectorParams configures a Detector.
//
// MinSize is the smallest community that gets a model-written summary;
// smaller ones are summarised from their members directly. MaxLevels caps
// the hierarchy; level 0 is always built.
type NewDetectorParams struct {
	Store         store.CommunityStore
	AI            ai.GraphAIClient
	MinSize       int
	Parallel      int
	MaxIterations int
	MaxLevels     int
}

func NewDetector(params NewDetectorParams) *Detector {
	d := &Detector{
		store:         params.Store,
		ai:            params.AI,
		minSize:       params.MinSize,
		parallel:      params.Parallel,
		maxIterations: params.MaxIterations,
		maxLevels:     params.MaxLevels,
	}
	if d.minSize <= 0 {
		d.minSize = DefaultMinSize
	}
	if d.parallel <= 0 {
		d.parallel = 4
	}
	if d.maxIterations <= 0 {
		d.maxIterations = DefaultMaxIterations
	}
	if d.maxLevels <= 0 {
		d.maxLevels = DefaultMaxLevels
	}
	return d
}

// Result lists the communities of every level, finest first. Stats cover
// level 0.
type Result struct {
	Communities []common.Community `json:"communities"`
	Levels      int                `json:"levels"`
	Stats       Stats              `json:"stats"`
	Duration    time.Duration      `json:"duration"`
}

// Generate recomputes every community from the current category graph and
// replaces the stored set. Level 0 groups categories; each further level
// groups the communities of the one below until nothing merges or the level
// cap is reached.
func (d *Detector) Generate(ctx context.Context) (Result, error) {
	start := time.Now()

	categories, err := d.store.ListCategories(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list categories: %w", err)
	}
	links, err := d.store.CategoryLinks(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("category links: %w", err)
	}
	documents, err := d.store.CategoryDocuments(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("category documents: %w", err)
	}

	nodes := make([]string, 0, len(categories))
	for _, c := range categories {
		nodes = append(nodes, c.UUID)
	}
	base := group(propagate(nodes, links, d.maxIterations), 0)
	communities := base
	levels := 1
	for current := base; levels < d.maxLevels; levels++ {
		current = coarsen(current, links, levels, d.maxIterations)
		if current == nil {
			break
		}
		communities = append(communities, current...)
	}
	for i := range communities {
		communities[i].Rank = rank(communities[i].Members, documents)
	}

	if err := d.store.ReplaceCommunities(ctx, communities); err != nil {
		return Result{}, fmt.Errorf("replace communities: %w", err)
	}

	res := Result{Communities: communities, Levels: levels, Stats: sizeStats(base), Duration: time.Since(start)}
	logger.Info("[Community] Generated communities",
		"categories", len(nodes), "links", len(links), "communities", len(communities), "levels", levels,
		"p50", res.Stats.P50, "max", res.Stats.Max, "duration", res.Duration)
	return res, nil
}

// Summary is the text written for one community.
type Summary struct {
	CommunityID string `json:"community_id"`
	Text        string `json:"text"`
	// Generated is false for communities summarised from their members
	// without a model call.
	Generated bool `json:"generated"`
}

// Summarize writes a summary for every stored community. A community whose
// summary cannot be produced keeps its previous text and is logged; the
// others are still written.
func (d *Detector) Summarize(ctx context.Context) ([]Summary, error) {
	communities, err := d.store.ListCommunities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list communities: %w", err)
	}
	categories, err := d.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	byID := make(map[string]common.Category, len(categories))
	for _, c := range categories {
		byID[c.UUID] = c
	}

	results := make([]*Summary, len(communities))
	var mu sync.Mutex
	failed := 0

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallel)
	for i, c := range communities {
		members := make([]ai.CommunityMember, 0, len(c.Members))
		for _, id := range c.Members {
			if cat, ok := byID[id]; ok {
				members = append(members, ai.CommunityMember{Name: cat.Name, Description: cat.Description})
			}
		}
		if len(members) == 0 {
			continue
		}
		if len(members) < d.minSize || d.ai == nil {
			results[i] = &Summary{CommunityID: c.ID, Text: passThrough(members)}
			continue
		}

		g.Go(func() error {
			res, err := ai.SummarizeCommunity(gCtx, d.ai, members)
			if err == nil && res.Failed() {
				err = fmt.Errorf("unparseable summary: %q", res.Raw())
			}
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				logger.Warn("[Community] Failed to summarise community", "community_id", c.ID, "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			text, _ := res.Payload()
			results[i] = &Summary{CommunityID: c.ID, Text: text, Generated: true}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(results))
	texts := make(map[string]string, len(results))
	for _, s := range results {
		if s == nil {
			continue
		}
		out = append(out, *s)
		texts[s.CommunityID] = s.Text
	}
	if err := d.store.SetCommunitySummaries(ctx, texts); err != nil {
		return nil, fmt.Errorf("store summaries: %w", err)
	}

	logger.Info("[Community] Summarised communities", "summaries", len(out), "failed", failed)
	return out, nil
}

// passThrough summarises small communities from their own members.
func passThrough(members []ai.CommunityMember) string {
	if len(members) == 1 {
		m := members[0]
		if m.Description != "" {
			return fmt.Sprintf("%s: %s", m.Name, m.Description)
		}
		return m.Name
	}
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return strings.Join(names, ", ")
}
