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
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateProfile(t *testing.T) {
	h := newTestHierarchy()

	t.Run("queries count at the resolved taxon and its ancestors", func(t *testing.T) {
		// 2 E. coli, 1 B. subtilis, 1 collapsed to superkingdom, 1 unclassified
		results := []ClassificationResult{
			{Query: "q1", Taxid: 4},
			{Query: "q2", Taxid: 4},
			{Query: "q3", Taxid: 6},
			{Query: "q4", Taxid: 2},
			{Query: "q5", Taxid: 0},
		}

		entries := aggregateProfile(results, h, 5)

		byTaxid := make(map[uint32]ProfileEntry, len(entries))
		for _, e := range entries {
			byTaxid[e.Taxid] = e
		}

		assert.InDelta(t, 80.0, byTaxid[2].Percentage, 1e-9, "4 of 5 queries are Bacteria")
		assert.InDelta(t, 40.0, byTaxid[3].Percentage, 1e-9)
		assert.InDelta(t, 20.0, byTaxid[5].Percentage, 1e-9)
		assert.InDelta(t, 40.0, byTaxid[4].Percentage, 1e-9)
		assert.InDelta(t, 20.0, byTaxid[6].Percentage, 1e-9)

		// the superkingdom-level query never reaches phylum or species rows
		assert.InDelta(t, 60.0, byTaxid[3].Percentage+byTaxid[5].Percentage, 1e-9,
			"phylum mass below 80: the collapsed query is omitted, not redistributed")
	})

	t.Run("percentages are never renormalized", func(t *testing.T) {
		entries := aggregateProfile([]ClassificationResult{
			{Query: "q1", Taxid: 4},
			{Query: "q2", Taxid: 0},
			{Query: "q3", Taxid: 0},
			{Query: "q4", Taxid: 0},
		}, h, 4)

		for _, e := range entries {
			assert.InDelta(t, 25.0, e.Percentage, 1e-9)
		}
	})

	t.Run("rows come rank-major, then by percentage, then by taxid", func(t *testing.T) {
		entries := aggregateProfile([]ClassificationResult{
			{Query: "q1", Taxid: 4},
			{Query: "q2", Taxid: 4},
			{Query: "q3", Taxid: 6},
			{Query: "q4", Taxid: 8},
		}, h, 4)

		var order []uint32
		for _, e := range entries {
			order = append(order, e.Taxid)
		}
		// superkingdoms first (Bacteria 75% before Archaea 25%), then phyla,
		// then species (6 and 8 tie at 25%, taxid ascending)
		assert.Equal(t, []uint32{2, 7, 3, 5, 4, 6, 8}, order)
	})

	t.Run("tax paths walk root to taxon over enumerated ranks only", func(t *testing.T) {
		entries := aggregateProfile([]ClassificationResult{{Query: "q1", Taxid: 4}}, h, 1)
		require.Len(t, entries, 3)

		last := entries[len(entries)-1]
		assert.Equal(t, "species", last.Rank)
		assert.Equal(t, "2|3|4", last.TaxPath)
		assert.Equal(t, "Bacteria|Proteobacteria|Escherichia coli", last.TaxPathSN)
	})

	t.Run("no resolved queries yields an empty profile", func(t *testing.T) {
		entries := aggregateProfile([]ClassificationResult{{Query: "q1", Taxid: 0}}, h, 1)
		assert.Empty(t, entries)

		assert.Nil(t, aggregateProfile(nil, h, 0))
	})
}

func TestWriteCamiProfile(t *testing.T) {
	h := newTestHierarchy()
	entries := aggregateProfile([]ClassificationResult{
		{Query: "q1", Taxid: 4},
		{Query: "q2", Taxid: 6},
	}, h, 2)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeCamiProfile(w, "sample42", "ncbi", entries)
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 5)

	assert.Equal(t, "@SampleID:sample42", lines[0])
	assert.Equal(t, "@Version:0.10.0", lines[1])
	assert.Equal(t, "@Ranks:superkingdom|phylum|class|order|family|genus|species|strain", lines[2])
	assert.Equal(t, "@TaxonomyID:ncbi", lines[3])
	assert.Equal(t, "@@TAXID\tRANK\tTAXPATH\tTAXPATHSN\tPERCENTAGE", lines[4])

	rows := lines[5:]
	require.Len(t, rows, len(entries))
	assert.Equal(t, "2\tsuperkingdom\t2\tBacteria\t100.000000", rows[0])
	assert.Contains(t, rows, "4\tspecies\t2|3|4\tBacteria|Proteobacteria|Escherichia coli\t50.000000")
}

func TestRankNameIndex(t *testing.T) {
	h := newTestHierarchy()

	t.Run("enumerated ranks only", func(t *testing.T) {
		idx := rankNameIndex(h)
		assert.Equal(t, uint32(4), idx["species:Escherichia coli"])
		assert.NotContains(t, idx, "no rank:root")
	})

	t.Run("ambiguous names keep the smallest taxid", func(t *testing.T) {
		h := newTestHierarchy()
		h.Nodes[9] = &HierarchyNode{Taxid: 9, Rank: "species", Parent: 5, Name: "Escherichia coli"}
		idx := rankNameIndex(h)
		assert.Equal(t, uint32(4), idx["species:Escherichia coli"])
	})
}

func TestLoadClassifiedResults(t *testing.T) {
	h := newTestHierarchy()

	t.Run("roundtrip", func(t *testing.T) {
		file := writeTempFile(t, "classified.tsv",
			"Query\tLineage\tTaxonomic Level\tConfidence\n"+
				"q1\tsuperkingdom:Bacteria;phylum:Proteobacteria;species:Escherichia coli\tspecies\t0.9500\n"+
				"q2\tsuperkingdom:Bacteria\tsuperkingdom\t0.4750\n"+
				"q3\tunclassified\tunclassified\t0.0000\n")

		results, err := loadClassifiedResults(file, h)
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.Equal(t, uint32(4), results[0].Taxid, "taxid re-derived from the deepest token")
		assert.InDelta(t, 0.95, results[0].Confidence, 1e-9)
		assert.Equal(t, uint32(2), results[1].Taxid)
		assert.Equal(t, uint32(0), results[2].Taxid)
		assert.Equal(t, unclassifiedLabel, results[2].Lineage)
	})

	t.Run("unmappable lineages count as unclassified", func(t *testing.T) {
		file := writeTempFile(t, "classified.tsv",
			"q1\tspecies:No Such Species\tspecies\t0.9000\n")

		results, err := loadClassifiedResults(file, h)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, uint32(0), results[0].Taxid)
	})

	t.Run("empty file", func(t *testing.T) {
		file := writeTempFile(t, "classified.tsv", "")
		_, err := loadClassifiedResults(file, h)
		require.Error(t, err)
		kind, ok := errorKind(err)
		require.True(t, ok)
		assert.Equal(t, errInput, kind)
	})
}
