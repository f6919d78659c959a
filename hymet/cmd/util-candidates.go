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
	"io"
	"math"
	"strings"

	"github.com/shenwei356/xopen"
	"github.com/twotwotwo/sorts"
)

// CandidateGenome is a reference genome surviving the screen stage,
// unique per accession.
type CandidateGenome struct {
	Accession  string
	SpeciesKey string
	SourceDB   string
	BestScore  float64
}

// LimitAudit records how the candidate list shrank.
type LimitAudit struct {
	Input     int
	PostDedup int
	PostCap   int
}

// accessionFromFilename strips the assembly name from a genome file name,
// e.g. GCF_000005845.2_ASM584v2 -> GCF_000005845.2.
func accessionFromFilename(name string) string {
	pieces := strings.SplitN(name, "_", 3)
	if len(pieces) >= 2 {
		return pieces[0] + "_" + pieces[1]
	}
	return name
}

// loadScoreTables merges score tables, keeping the best score per genome.
// Unreadable files are skipped and counted via nReadable.
func loadScoreTables(files []string) (map[string]float64, int) {
	scores := make(map[string]float64, 1024)
	var nReadable int
	for _, file := range files {
		hits, _, err := parseScreenFile(file)
		if err != nil {
			log.Warningf("skipping unreadable score table: %s: %s", file, err)
			continue
		}
		nReadable++
		for _, h := range hits {
			if s, ok := scores[h.Genome]; !ok || h.Score > s {
				scores[h.Genome] = h.Score
			}
		}
	}
	return scores, nReadable
}

// loadSpeciesMap parses assembly summary files, mapping accession to
// (species key, organism name). The species taxid column is preferred,
// falling back to the plain taxid column.
func loadSpeciesMap(files []string) (map[string][2]string, error) {
	mapping := make(map[string][2]string, mapInitSize)
	items := make([]string, 9)
	for _, file := range files {
		fh, err := xopen.Ropen(file)
		if err != nil {
			return nil, err
		}

		var line string
		for {
			line, err = fh.ReadString('\n')
			if line != "" && line[0] != '#' {
				line = strings.TrimRight(line, "\r\n")
				items = items[:cap(items)]
				stringSplitNByByte(line, '\t', 9, &items)
				if len(items) >= 8 {
					accession := strings.TrimSpace(items[0])
					speciesTaxid := strings.TrimSpace(items[6])
					if speciesTaxid == "" {
						speciesTaxid = strings.TrimSpace(items[5])
					}
					name := strings.TrimSpace(items[7])
					if accession != "" {
						if speciesTaxid == "" {
							speciesTaxid = accession
						}
						if name == "" {
							name = accession
						}
						mapping[accession] = [2]string{speciesTaxid, name}
					}
				}
			}
			if err != nil {
				break
			}
		}
		if err != io.EOF && err != nil {
			fh.Close()
			return nil, err
		}
		fh.Close()
	}
	return mapping, nil
}

var mapInitSize = 1 << 16

// CandidatesByScore sorts by best score descending, ties on the
// lexicographically smallest accession.
type CandidatesByScore []CandidateGenome

func (s CandidatesByScore) Len() int { return len(s) }
func (s CandidatesByScore) Less(i, j int) bool {
	if s[i].BestScore != s[j].BestScore {
		return s[i].BestScore > s[j].BestScore
	}
	return s[i].Accession < s[j].Accession
}
func (s CandidatesByScore) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// CandidatesByAccession sorts by accession ascending.
type CandidatesByAccession []CandidateGenome

func (s CandidatesByAccession) Len() int           { return len(s) }
func (s CandidatesByAccession) Less(i, j int) bool { return s[i].Accession < s[j].Accession }
func (s CandidatesByAccession) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// limitCandidates deduplicates and caps a candidate list.
// It is pure and deterministic: species-level dedup keeps the best-scoring
// accession per species key, then the list is capped to maxCandidates by
// descending best score; all ties break on the lexicographically smallest
// accession. The final list is sorted by accession so downstream cache-key
// hashing does not depend on upstream ordering.
func limitCandidates(cands []CandidateGenome, maxCandidates int, dedupe bool) ([]CandidateGenome, LimitAudit, error) {
	audit := LimitAudit{Input: len(cands)}

	if maxCandidates < 1 {
		return nil, audit, configurationError("maximum candidate number should be >= 1: %d", maxCandidates)
	}

	byScore := make([]CandidateGenome, len(cands))
	copy(byScore, cands)
	sorts.Quicksort(CandidatesByScore(byScore))

	kept := byScore
	if dedupe {
		kept = kept[:0:0]
		seen := make(map[string]interface{}, len(byScore))
		for _, c := range byScore {
			key := c.SpeciesKey
			if key == "" {
				key = c.Accession
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			kept = append(kept, c)
		}
	}
	audit.PostDedup = len(kept)

	if len(kept) > maxCandidates {
		kept = kept[:maxCandidates]
	}
	audit.PostCap = len(kept)

	final := make([]CandidateGenome, len(kept))
	copy(final, kept)
	sorts.Quicksort(CandidatesByAccession(final))

	return final, audit, nil
}

// bestScoreOf looks up a genome in merged score tables; genomes without a
// score sort after all scored ones.
func bestScoreOf(scores map[string]float64, name string) float64 {
	if s, ok := scores[name]; ok {
		return s
	}
	return math.Inf(-1)
}
