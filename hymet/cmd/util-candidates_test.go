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
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessionFromFilename(t *testing.T) {
	assert.Equal(t, "GCF_000005845.2", accessionFromFilename("GCF_000005845.2_ASM584v2_genomic.fna.gz"))
	assert.Equal(t, "GCF_000005845.2", accessionFromFilename("GCF_000005845.2_ASM584v2"))
	assert.Equal(t, "GCA_900128725.1", accessionFromFilename("GCA_900128725.1"))
	assert.Equal(t, "plain-name", accessionFromFilename("plain-name"))
}

func TestLimitCandidates(t *testing.T) {
	cands := []CandidateGenome{
		{Accession: "GCF_001", SpeciesKey: "562", BestScore: 0.99},
		{Accession: "GCF_002", SpeciesKey: "562", BestScore: 0.95},
		{Accession: "GCF_003", SpeciesKey: "1423", BestScore: 0.90},
		{Accession: "GCF_004", SpeciesKey: "1280", BestScore: 0.85},
	}

	t.Run("species dedup keeps the best-scoring accession", func(t *testing.T) {
		limited, audit, err := limitCandidates(cands, 10, true)
		require.NoError(t, err)

		assert.Equal(t, 4, audit.Input)
		assert.Equal(t, 3, audit.PostDedup)
		assert.Equal(t, 3, audit.PostCap)

		accessions := make([]string, len(limited))
		for i, c := range limited {
			accessions[i] = c.Accession
		}
		assert.Equal(t, []string{"GCF_001", "GCF_003", "GCF_004"}, accessions)
	})

	t.Run("cap keeps the best scores", func(t *testing.T) {
		limited, audit, err := limitCandidates(cands, 2, false)
		require.NoError(t, err)

		assert.Equal(t, 4, audit.PostDedup, "no dedup requested")
		assert.Equal(t, 2, audit.PostCap)
		assert.Equal(t, "GCF_001", limited[0].Accession)
		assert.Equal(t, "GCF_002", limited[1].Accession)
	})

	t.Run("score ties break on the smallest accession", func(t *testing.T) {
		tied := []CandidateGenome{
			{Accession: "GCF_900", BestScore: 0.9},
			{Accession: "GCF_100", BestScore: 0.9},
			{Accession: "GCF_500", BestScore: 0.9},
		}
		limited, _, err := limitCandidates(tied, 2, false)
		require.NoError(t, err)
		assert.Equal(t, "GCF_100", limited[0].Accession)
		assert.Equal(t, "GCF_500", limited[1].Accession)
	})

	t.Run("output is sorted and input-order independent", func(t *testing.T) {
		shuffled := make([]CandidateGenome, len(cands))
		copy(shuffled, cands)
		rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		a, _, err := limitCandidates(cands, 10, true)
		require.NoError(t, err)
		b, _, err := limitCandidates(shuffled, 10, true)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("max below 1 is a configuration error", func(t *testing.T) {
		_, _, err := limitCandidates(cands, 0, false)
		require.Error(t, err)
		kind, ok := errorKind(err)
		require.True(t, ok)
		assert.Equal(t, errConfiguration, kind)
	})

	t.Run("input slice is not mutated", func(t *testing.T) {
		before := make([]CandidateGenome, len(cands))
		copy(before, cands)
		_, _, err := limitCandidates(cands, 1, true)
		require.NoError(t, err)
		assert.Equal(t, before, cands)
	})
}

func TestBestScoreOf(t *testing.T) {
	scores := map[string]float64{"A": 0.9}
	assert.Equal(t, 0.9, bestScoreOf(scores, "A"))
	assert.True(t, math.IsInf(bestScoreOf(scores, "unknown"), -1), "unscored genomes sort last")
}

func TestLoadScoreTables(t *testing.T) {
	good := writeTempFile(t, "good.tsv",
		"0.90\t1/1\t1\t0\tGCF_001\n"+
			"0.95\t1/1\t1\t0\tGCF_001\n"+
			"0.80\t1/1\t1\t0\tGCF_002\n")

	scores, nReadable := loadScoreTables([]string{good, "/nonexistent/score.tsv"})
	assert.Equal(t, 1, nReadable, "unreadable tables are skipped, not fatal")
	assert.Equal(t, 0.95, scores["GCF_001"], "best score per genome wins")
	assert.Equal(t, 0.80, scores["GCF_002"])
}

func TestLoadSpeciesMap(t *testing.T) {
	file := writeTempFile(t, "assembly_summary.txt",
		"#   See assembly_summary_readme.txt\n"+
			"#assembly_accession\tbioproject\tbiosample\twgs_master\trefseq_category\ttaxid\tspecies_taxid\torganism_name\tinfraspecific_name\n"+
			"GCF_000005845.2\tPRJNA57779\tSAMN02604091\t\treference genome\t511145\t562\tEscherichia coli\tstrain=K-12\n"+
			"GCF_000009045.1\tPRJNA76\tSAMEA3138188\t\t\t224308\t\tBacillus subtilis\t\n")

	m, err := loadSpeciesMap([]string{file})
	require.NoError(t, err)

	require.Contains(t, m, "GCF_000005845.2")
	assert.Equal(t, "562", m["GCF_000005845.2"][0], "species taxid preferred")
	assert.Equal(t, "Escherichia coli", m["GCF_000005845.2"][1])

	require.Contains(t, m, "GCF_000009045.1")
	assert.Equal(t, "224308", m["GCF_000009045.1"][0], "falls back to the plain taxid")
}
