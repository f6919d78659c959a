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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHitScore(t *testing.T) {
	t.Run("perfect alignment at high mapq is close to 1", func(t *testing.T) {
		s := hitScore(&AlignmentRecord{QLen: 1000, Matches: 1000, BlockLen: 1000, MapQ: 60})
		assert.InDelta(t, 1.0, s, 1e-5)
	})

	t.Run("mapq 0 halves the score", func(t *testing.T) {
		s := hitScore(&AlignmentRecord{QLen: 1000, Matches: 1000, BlockLen: 1000, MapQ: 0})
		assert.InDelta(t, 0.5, s, 1e-9)
	})

	t.Run("identity and coverage are multiplicative", func(t *testing.T) {
		s := hitScore(&AlignmentRecord{QLen: 1000, Matches: 450, BlockLen: 500, MapQ: 60})
		// identity 0.9, coverage 0.5
		assert.InDelta(t, 0.45, s, 1e-5)
	})

	t.Run("coverage is capped at 1", func(t *testing.T) {
		// block longer than the query (indels)
		s := hitScore(&AlignmentRecord{QLen: 500, Matches: 600, BlockLen: 600, MapQ: 60})
		assert.LessOrEqual(t, s, 1.0)
	})

	t.Run("score stays within [0, 1]", func(t *testing.T) {
		for _, m := range []*AlignmentRecord{
			{QLen: 1, Matches: 0, BlockLen: 1, MapQ: 0},
			{QLen: 10, Matches: 100, BlockLen: 100, MapQ: 255},
		} {
			s := hitScore(m)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	})
}

func testQueryState(query string, hits ...taxonHit) *queryState {
	qs := &queryState{query: query, hits: make(map[uint32]*taxonHit, len(hits))}
	for i := range hits {
		h := hits[i]
		qs.hits[h.taxid] = &h
	}
	return qs
}

func TestResolveQuery(t *testing.T) {
	h := newTestHierarchy()
	opt := &ClassifyOptions{Margin: 0.10, Separator: ";"}

	t.Run("single hit is assigned directly", func(t *testing.T) {
		r := resolveQuery(testQueryState("q",
			taxonHit{taxid: 4, score: 0.95, target: "T1"}), h, opt)

		assert.Equal(t, uint32(4), r.Taxid)
		assert.Equal(t, "species", r.Level)
		assert.Equal(t, 0.95, r.Confidence)
		assert.Equal(t, "superkingdom:Bacteria;phylum:Proteobacteria;species:Escherichia coli", r.Lineage)
	})

	t.Run("clear winner beyond the margin is assigned directly", func(t *testing.T) {
		r := resolveQuery(testQueryState("q",
			taxonHit{taxid: 4, score: 0.95, target: "T1"},
			taxonHit{taxid: 6, score: 0.85, target: "T2"}), h, opt)

		assert.Equal(t, uint32(4), r.Taxid, "(0.95-0.85)/0.85 > 0.10")
		assert.Equal(t, 0.95, r.Confidence)
	})

	t.Run("ambiguous hits collapse to the LCA with discounted confidence", func(t *testing.T) {
		r := resolveQuery(testQueryState("q",
			taxonHit{taxid: 4, score: 0.95, target: "T1"},
			taxonHit{taxid: 6, score: 0.90, target: "T2"}), h, opt)

		assert.Equal(t, uint32(2), r.Taxid, "sibling phyla collapse to the superkingdom")
		assert.Equal(t, "superkingdom", r.Level)
		assert.Equal(t, "superkingdom:Bacteria", r.Lineage)
		// depth 2 of 4 survives the collapse
		assert.InDelta(t, 0.95*2.0/4.0, r.Confidence, 1e-9)
	})

	t.Run("collapsed confidence never exceeds the direct one", func(t *testing.T) {
		direct := resolveQuery(testQueryState("q",
			taxonHit{taxid: 4, score: 0.95, target: "T1"}), h, opt)
		collapsed := resolveQuery(testQueryState("q",
			taxonHit{taxid: 4, score: 0.95, target: "T1"},
			taxonHit{taxid: 6, score: 0.90, target: "T2"}), h, opt)

		assert.Less(t, collapsed.Confidence, direct.Confidence)
	})

	t.Run("collapse to the root yields unclassified", func(t *testing.T) {
		r := resolveQuery(testQueryState("q",
			taxonHit{taxid: 4, score: 0.95, target: "T1"},
			taxonHit{taxid: 8, score: 0.95, target: "T2"}), h, opt)

		assert.Equal(t, uint32(0), r.Taxid)
		assert.Equal(t, unclassifiedLabel, r.Lineage)
	})

	t.Run("no hits yields unclassified", func(t *testing.T) {
		r := resolveQuery(testQueryState("q"), h, opt)
		assert.Equal(t, unclassifiedLabel, r.Lineage)
		assert.Equal(t, 0.0, r.Confidence)
	})
}

func TestQueryStateAdd(t *testing.T) {
	taxidMap := map[string]uint32{"GCF_000005845.2": 4, "ref-b": 6}

	t.Run("multi-segment hits keep the best score per taxon", func(t *testing.T) {
		qs := &queryState{query: "q", hits: make(map[uint32]*taxonHit)}
		qs.add(&AlignmentRecord{Query: "q", Target: "ref-b", QLen: 1000, Matches: 500, BlockLen: 1000, MapQ: 60}, taxidMap)
		qs.add(&AlignmentRecord{Query: "q", Target: "ref-b", QLen: 1000, Matches: 900, BlockLen: 1000, MapQ: 60}, taxidMap)

		require.Len(t, qs.hits, 1)
		assert.InDelta(t, 0.9, qs.hits[6].score, 1e-5)
	})

	t.Run("targets fall back to the accession prefix", func(t *testing.T) {
		qs := &queryState{query: "q", hits: make(map[uint32]*taxonHit)}
		qs.add(&AlignmentRecord{Query: "q", Target: "GCF_000005845.2_ASM584v2_genomic", QLen: 100, Matches: 90, BlockLen: 100, MapQ: 60}, taxidMap)

		require.Len(t, qs.hits, 1)
		assert.Contains(t, qs.hits, uint32(4))
		assert.Equal(t, uint64(0), qs.unmapped)
	})

	t.Run("unmapped targets are counted, not fatal", func(t *testing.T) {
		qs := &queryState{query: "q", hits: make(map[uint32]*taxonHit)}
		qs.add(&AlignmentRecord{Query: "q", Target: "unknown-ref", QLen: 100, Matches: 90, BlockLen: 100, MapQ: 60}, taxidMap)

		assert.Empty(t, qs.hits)
		assert.Equal(t, uint64(1), qs.unmapped)
	})
}

func feedRecords(records []*AlignmentRecord) chan *AlignmentRecord {
	ch := make(chan *AlignmentRecord, len(records))
	for _, m := range records {
		ch <- m
	}
	close(ch)
	return ch
}

func TestClassifyRecords(t *testing.T) {
	h := newTestHierarchy()
	taxidMap := map[string]uint32{"ref-ecoli": 4, "ref-bsub": 6, "ref-archaea": 8}
	opt := &ClassifyOptions{Margin: 0.10, Threads: 4, ChunkSize: 100, Separator: ";"}

	records := []*AlignmentRecord{
		{Query: "q1", Target: "ref-ecoli", QLen: 1000, Matches: 950, BlockLen: 1000, MapQ: 60},
		{Query: "q2", Target: "ref-ecoli", QLen: 1000, Matches: 950, BlockLen: 1000, MapQ: 60},
		{Query: "q2", Target: "ref-bsub", QLen: 1000, Matches: 900, BlockLen: 1000, MapQ: 60},
		{Query: "q3", Target: "unknown-ref", QLen: 1000, Matches: 900, BlockLen: 1000, MapQ: 60},
	}

	t.Run("end to end", func(t *testing.T) {
		results, stats, err := classifyRecords(context.Background(), feedRecords(records),
			taxidMap, h, []string{"q1", "q2", "q3", "q4"}, opt)
		require.NoError(t, err)

		require.Len(t, results, 4, "exactly one row per input query")
		assert.Equal(t, 4, stats.Queries)
		assert.Equal(t, 2, stats.Resolved)
		assert.Equal(t, 2, stats.Unresolved)
		assert.Equal(t, uint64(1), stats.UnmappedHits)
		assert.False(t, stats.FirstHitFallback)

		byQuery := make(map[string]ClassificationResult, len(results))
		for i, r := range results {
			byQuery[r.Query] = r
			if i > 0 {
				assert.Less(t, results[i-1].Query, r.Query, "results sorted by query")
			}
		}

		assert.Equal(t, uint32(4), byQuery["q1"].Taxid, "single hit assigned directly")
		assert.Equal(t, uint32(2), byQuery["q2"].Taxid, "ambiguous hits collapsed to the LCA")
		assert.Equal(t, unclassifiedLabel, byQuery["q3"].Lineage, "only unmapped hits")
		assert.Equal(t, unclassifiedLabel, byQuery["q4"].Lineage, "absent from the stream")
	})

	t.Run("deterministic across runs and worker counts", func(t *testing.T) {
		run := func(threads int) []ClassificationResult {
			opt := *opt
			opt.Threads = threads
			results, _, err := classifyRecords(context.Background(), feedRecords(records),
				taxidMap, h, []string{"q1", "q2", "q3", "q4"}, &opt)
			require.NoError(t, err)
			return results
		}

		base := run(1)
		assert.Equal(t, base, run(4))
		assert.Equal(t, base, run(13))
	})

	t.Run("first-hit fallback on a zero-resolution run", func(t *testing.T) {
		// every query ties across superkingdoms, so the consensus collapses
		// everything to the root
		ambiguous := []*AlignmentRecord{
			{Query: "q1", Target: "ref-ecoli", QLen: 1000, Matches: 950, BlockLen: 1000, MapQ: 60},
			{Query: "q1", Target: "ref-archaea", QLen: 1000, Matches: 950, BlockLen: 1000, MapQ: 60},
		}

		results, stats, err := classifyRecords(context.Background(), feedRecords(ambiguous),
			taxidMap, h, nil, opt)
		require.NoError(t, err)

		assert.True(t, stats.FirstHitFallback)
		require.Len(t, results, 1)
		assert.Equal(t, uint32(4), results[0].Taxid, "first record by file order wins")
		assert.InDelta(t, hitScore(ambiguous[0]), results[0].Confidence, 1e-9)
		assert.Equal(t, 1, stats.Resolved)
	})

	t.Run("empty stream with a query set", func(t *testing.T) {
		results, stats, err := classifyRecords(context.Background(), feedRecords(nil),
			taxidMap, h, []string{"q1", "q2"}, opt)
		require.NoError(t, err)

		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, unclassifiedLabel, r.Lineage)
		}
		assert.False(t, stats.FirstHitFallback, "no records seen, not a systemic failure")
	})

	t.Run("cancellation aborts the run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, _, err := classifyRecords(ctx, feedRecords(records), taxidMap, h, nil, opt)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
