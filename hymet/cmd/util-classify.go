// Copyright © 2023-2025 The HYMET Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/zeebo/wyhash"
)

// ClassifyOptions holds the consensus parameters. The per-hit scoring
// formula and the margin are reasonable defaults rather than fixed
// constants; both are flag-tunable.
type ClassifyOptions struct {
	// relative score margin separating a clear best hit from a tie
	Margin float64

	Threads   int
	ChunkSize int

	// separator of rank:name tokens in the lineage column
	Separator string
}

var defaultClassifyOptions = ClassifyOptions{
	Margin:    0.10,
	Threads:   4,
	ChunkSize: 5000,
	Separator: ";",
}

// ClassificationResult is the resolved lineage of one query; exactly one
// exists per input query, including queries absent from the alignment
// stream.
type ClassificationResult struct {
	Query      string
	Lineage    string
	Level      string
	Confidence float64

	// Taxid of the assigned taxon, 0 for unclassified queries;
	// consumed by the profile aggregator.
	Taxid uint32
}

// ClassifyStats summarizes one classification run.
type ClassifyStats struct {
	Records      uint64
	SkippedLines uint64
	UnmappedHits uint64

	Queries    int
	Resolved   int
	Unresolved int

	FirstHitFallback bool
}

// hitScore scores one alignment record: monotone in identity
// (match_bases/block_len) and query coverage (block_len/query_len),
// damped by mapping quality. The mapq weight is 0.5 at mapq 0 and
// approaches 1; the result stays in [0, 1].
func hitScore(m *AlignmentRecord) float64 {
	identity := float64(m.Matches) / float64(m.BlockLen)
	coverage := float64(m.BlockLen) / float64(m.QLen)
	if coverage > 1 {
		coverage = 1
	}
	weight := 1 - 0.5*math.Pow(10, -float64(m.MapQ)/10)

	score := identity * coverage * weight
	if score > 1 {
		score = 1
	} else if score < 0 {
		score = 0
	}
	return score
}

// taxonHit is the collapsed best hit against one taxon: multi-segment hits
// to the same taxid keep only their single best score. The smallest target
// identifier carrying that score is kept for deterministic tie-breaking.
type taxonHit struct {
	taxid  uint32
	score  float64
	target string
}

// queryState accumulates per-query evidence while records stream in.
// Memory is bounded by distinct (query, taxon) pairs, not by record count.
type queryState struct {
	query string

	hits map[uint32]*taxonHit

	// first record by file order, for the systemic-failure fallback
	first *AlignmentRecord

	unmapped uint64
}

func (qs *queryState) add(m *AlignmentRecord, taxidMap map[string]uint32) {
	if qs.first == nil {
		qs.first = m
	}

	taxid, ok := taxidMap[m.Target]
	if !ok {
		taxid, ok = taxidMap[accessionFromFilename(m.Target)]
	}
	if !ok {
		qs.unmapped++
		return
	}

	score := hitScore(m)
	if h, ok := qs.hits[taxid]; ok {
		if score > h.score || (score == h.score && m.Target < h.target) {
			h.score = score
			h.target = m.Target
		}
		return
	}
	qs.hits[taxid] = &taxonHit{taxid: taxid, score: score, target: m.Target}
}

// resolveQuery runs the consensus algorithm for one query:
// distinct taxa are ranked by score; a clear winner (relative margin) is
// assigned directly at its most specific rank, otherwise all taxa within
// the margin collapse to their LCA, with the confidence discounted by the
// depth lost in the collapse.
func resolveQuery(qs *queryState, h *Hierarchy, opt *ClassifyOptions) ClassificationResult {
	if len(qs.hits) == 0 {
		return unclassifiedResult(qs.query)
	}

	ranked := make([]*taxonHit, 0, len(qs.hits))
	for _, th := range qs.hits {
		ranked = append(ranked, th)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].target != ranked[j].target {
			return ranked[i].target < ranked[j].target
		}
		return ranked[i].taxid < ranked[j].taxid
	})

	top := ranked[0]

	if len(ranked) == 1 || clearWinner(top.score, ranked[1].score, opt.Margin) {
		lineage := h.LineageString(top.taxid, opt.Separator)
		if lineage == unclassifiedLabel {
			return unclassifiedResult(qs.query)
		}
		return ClassificationResult{
			Query:      qs.query,
			Lineage:    lineage,
			Level:      h.TaxonomicLevel(top.taxid),
			Confidence: top.score,
			Taxid:      top.taxid,
		}
	}

	// ambiguous: collapse all taxa within the margin to their LCA
	floor := top.score / (1 + opt.Margin)
	within := make([]uint32, 0, len(ranked))
	for _, th := range ranked {
		if th.score >= floor {
			within = append(within, th.taxid)
		}
	}

	lca := h.LCASet(within)
	if lca == 0 {
		return unclassifiedResult(qs.query)
	}

	lineage := h.LineageString(lca, opt.Separator)
	if lineage == unclassifiedLabel {
		return unclassifiedResult(qs.query)
	}

	// confidence reflects the information lost by collapsing to a
	// shallower rank
	confidence := top.score * float64(h.Depth(lca)) / float64(h.Depth(top.taxid))

	return ClassificationResult{
		Query:      qs.query,
		Lineage:    lineage,
		Level:      h.TaxonomicLevel(lca),
		Confidence: confidence,
		Taxid:      lca,
	}
}

func clearWinner(top, second, margin float64) bool {
	if second <= 0 {
		return true
	}
	return (top-second)/second > margin
}

func unclassifiedResult(query string) ClassificationResult {
	return ClassificationResult{
		Query:   query,
		Lineage: unclassifiedLabel,
		Level:   unclassifiedLabel,
	}
}

// classifyRecords drives the consensus engine over a record stream with a
// fixed-size worker pool. Queries are sharded by hash so each worker owns a
// disjoint subset; the taxonomy map and hierarchy are shared read-only.
// Every query of querySet receives exactly one result, including queries
// never seen in the stream. Results come back sorted by query identifier,
// so identical inputs yield byte-identical outputs no matter how many
// workers ran.
func classifyRecords(ctx context.Context, records <-chan *AlignmentRecord,
	taxidMap map[string]uint32, h *Hierarchy,
	querySet []string, opt *ClassifyOptions) ([]ClassificationResult, ClassifyStats, error) {

	workers := opt.Threads
	if workers < 1 {
		workers = 1
	}

	shards := make([]chan *AlignmentRecord, workers)
	states := make([]map[string]*queryState, workers)
	results := make([][]ClassificationResult, workers)
	for i := 0; i < workers; i++ {
		shards[i] = make(chan *AlignmentRecord, opt.ChunkSize)
		states[i] = make(map[string]*queryState, 1024)
	}

	var stats ClassifyStats
	var statsMu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()

			mine := states[i]
			for m := range shards[i] {
				qs, ok := mine[m.Query]
				if !ok {
					qs = &queryState{query: m.Query, hits: make(map[uint32]*taxonHit, 8)}
					mine[m.Query] = qs
				}
				qs.add(m, taxidMap)
			}

			rs := make([]ClassificationResult, 0, len(mine))
			var unmapped uint64
			for _, qs := range mine {
				rs = append(rs, resolveQuery(qs, h, opt))
				unmapped += qs.unmapped
			}
			results[i] = rs

			statsMu.Lock()
			stats.UnmappedHits += unmapped
			statsMu.Unlock()
		}(i)
	}

	var routeErr error
route:
	for m := range records {
		stats.Records++
		select {
		case <-ctx.Done():
			routeErr = ctx.Err()
			break route
		default:
		}
		shards[int(wyhash.HashString(m.Query, 1)%uint64(workers))] <- m
	}
	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()

	if routeErr != nil {
		return nil, stats, routeErr
	}

	merged := make([]ClassificationResult, 0, 1024)
	for _, rs := range results {
		merged = append(merged, rs...)
	}

	byQuery := make(map[string]ClassificationResult, len(merged))
	for _, r := range merged {
		byQuery[r.Query] = r
		if r.Taxid != 0 {
			stats.Resolved++
		}
	}

	// systemic failure: nothing resolved although records were seen.
	// Degrade to first-hit mode so the run still yields a usable, if
	// low-quality, result set.
	if stats.Resolved == 0 && stats.Records > 0 {
		stats.FirstHitFallback = true
		for i := range states {
			for _, qs := range states[i] {
				byQuery[qs.query] = firstHitResult(qs, taxidMap, h, opt)
			}
		}
		for _, r := range byQuery {
			if r.Taxid != 0 {
				stats.Resolved++
			}
		}
	}

	// completeness: one result per input query, unclassified for queries
	// absent from the alignment stream
	if len(querySet) > 0 {
		for _, q := range querySet {
			if _, ok := byQuery[q]; !ok {
				byQuery[q] = unclassifiedResult(q)
			}
		}
	}

	final := make([]ClassificationResult, 0, len(byQuery))
	for _, r := range byQuery {
		final = append(final, r)
	}
	sort.Slice(final, func(i, j int) bool { return final[i].Query < final[j].Query })

	stats.Queries = len(final)
	stats.Unresolved = stats.Queries - stats.Resolved

	return final, stats, nil
}

// firstHitResult implements the degraded first-hit mode: the query's first
// record by file order is mapped if possible, otherwise the query stays
// unclassified.
func firstHitResult(qs *queryState, taxidMap map[string]uint32, h *Hierarchy, opt *ClassifyOptions) ClassificationResult {
	if qs.first == nil {
		return unclassifiedResult(qs.query)
	}

	taxid, ok := taxidMap[qs.first.Target]
	if !ok {
		taxid, ok = taxidMap[accessionFromFilename(qs.first.Target)]
	}
	if !ok {
		return unclassifiedResult(qs.query)
	}

	lineage := h.LineageString(taxid, opt.Separator)
	if lineage == unclassifiedLabel {
		return unclassifiedResult(qs.query)
	}

	return ClassificationResult{
		Query:      qs.query,
		Lineage:    lineage,
		Level:      h.TaxonomicLevel(taxid),
		Confidence: hitScore(qs.first),
		Taxid:      taxid,
	}
}
