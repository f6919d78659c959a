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
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shenwei356/xopen"
	"github.com/twotwotwo/sorts"
)

// ProfileEntry is one row of the rank-wise abundance profile.
type ProfileEntry struct {
	Taxid      uint32
	Rank       string
	TaxPath    string // |-joined ancestor taxids
	TaxPathSN  string // |-joined ancestor scientific names
	Percentage float64
}

// aggregateProfile converts resolved lineages into a rank-wise profile.
// A query contributes to its resolved taxon and to every enumerated-rank
// ancestor, never below its resolved rank, so mass collapsed to a shallower
// rank simply goes missing from deeper rows. Percentages per rank need not
// sum to 100; the unresolved remainder is omitted, never renormalized.
func aggregateProfile(results []ClassificationResult, h *Hierarchy, totalQueries int) []ProfileEntry {
	if totalQueries == 0 {
		return nil
	}

	counts := make(map[uint32]int, 1024)
	for _, r := range results {
		if r.Taxid == 0 {
			continue
		}
		for _, t := range h.Chain(r.Taxid) {
			if _, ok := rankIndex[h.Nodes[t].Rank]; ok {
				counts[t]++
			}
		}
	}

	entries := make([]ProfileEntry, 0, len(counts))
	taxids := make([]string, 0, len(rankOrder))
	names := make([]string, 0, len(rankOrder))
	for taxid, n := range counts {
		taxids = taxids[:0]
		names = names[:0]
		for _, t := range h.Chain(taxid) {
			node := h.Nodes[t]
			if _, ok := rankIndex[node.Rank]; ok {
				taxids = append(taxids, strconv.Itoa(int(t)))
				names = append(names, node.Name)
			}
		}

		entries = append(entries, ProfileEntry{
			Taxid:      taxid,
			Rank:       h.Nodes[taxid].Rank,
			TaxPath:    strings.Join(taxids, "|"),
			TaxPathSN:  strings.Join(names, "|"),
			Percentage: float64(n) / float64(totalQueries) * 100,
		})
	}

	sorts.Quicksort(ProfileEntries(entries))

	return entries
}

// ProfileEntries sorts rank-major (most general first), then by percentage
// descending, ties on the smallest taxid.
type ProfileEntries []ProfileEntry

func (s ProfileEntries) Len() int { return len(s) }
func (s ProfileEntries) Less(i, j int) bool {
	ri, rj := rankIndex[s[i].Rank], rankIndex[s[j].Rank]
	if ri != rj {
		return ri < rj
	}
	if s[i].Percentage != s[j].Percentage {
		return s[i].Percentage > s[j].Percentage
	}
	return s[i].Taxid < s[j].Taxid
}
func (s ProfileEntries) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// writeCamiProfile renders a profile in the CAMI profiling format.
// https://github.com/bioboxes/rfc/blob/master/data-format/profiling.mkd
func writeCamiProfile(outfh *bufio.Writer, sampleID string, taxonomyID string, entries []ProfileEntry) {
	outfh.WriteString(fmt.Sprintf("@SampleID:%s\n", sampleID))
	outfh.WriteString("@Version:0.10.0\n")
	outfh.WriteString(fmt.Sprintf("@Ranks:%s\n", strings.Join(rankOrder, "|")))
	outfh.WriteString(fmt.Sprintf("@TaxonomyID:%s\n", taxonomyID))
	outfh.WriteString("@@TAXID\tRANK\tTAXPATH\tTAXPATHSN\tPERCENTAGE\n")

	for _, e := range entries {
		outfh.WriteString(fmt.Sprintf("%d\t%s\t%s\t%s\t%.6f\n",
			e.Taxid, e.Rank, e.TaxPath, e.TaxPathSN, e.Percentage))
	}
}

// rankNameIndex maps `rank:name` lineage tokens back to taxids, for
// profiling a classification table that carries no taxid column.
// An ambiguous name keeps the smallest taxid, for determinism.
func rankNameIndex(h *Hierarchy) map[string]uint32 {
	idx := make(map[string]uint32, len(h.Nodes))
	for taxid, n := range h.Nodes {
		if _, ok := rankIndex[n.Rank]; !ok {
			continue
		}
		key := n.Rank + ":" + n.Name
		if t, ok := idx[key]; !ok || taxid < t {
			idx[key] = taxid
		}
	}
	return idx
}

// loadClassifiedResults reads a classified_sequences.tsv back into
// classification results, re-deriving taxids from the deepest lineage
// token. Rows whose lineage cannot be mapped count as unclassified.
func loadClassifiedResults(file string, h *Hierarchy) ([]ClassificationResult, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	idx := rankNameIndex(h)

	results := make([]ClassificationResult, 0, 1024)
	var line string
	first := true
	items := make([]string, 5)
	for {
		line, err = fh.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				if first && strings.HasPrefix(line, "Query\t") {
					first = false
				} else {
					first = false
					items = items[:cap(items)]
					stringSplitNByByte(line, '\t', 5, &items)
					if len(items) >= 4 {
						r := ClassificationResult{
							Query:   items[0],
							Lineage: items[1],
							Level:   items[2],
						}
						r.Confidence, _ = strconv.ParseFloat(items[3], 64)

						if r.Lineage != unclassifiedLabel {
							tokens := strings.Split(r.Lineage, ";")
							for i := len(tokens) - 1; i >= 0; i-- {
								if taxid, ok := idx[strings.TrimSpace(tokens[i])]; ok {
									r.Taxid = taxid
									break
								}
							}
						}
						results = append(results, r)
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}

	if len(results) == 0 {
		return nil, inputError("no classification rows found in %s", file)
	}
	return results, nil
}
