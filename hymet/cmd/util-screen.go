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
	"sort"
	"strconv"
	"strings"
)

// ScreenHit is one row of a sketch-screen score table.
// Scores are identities in [0, 1], monotone in similarity.
type ScreenHit struct {
	Genome string
	Score  float64
	Shared string // raw shared-hashes metric, kept for audit output
}

// number of fields of a sketch screen result line:
// identity, shared-hashes, median-multiplicity, p-value, query-ID, query-comment
const screenNumFields = 5

// parseScreenFile reads a (gzipped) sketch-screen score table.
// Lines with too few fields or an unparseable score are skipped and counted,
// never fatal.
func parseScreenFile(file string) ([]ScreenHit, int, error) {
	fh, r, _, err := inStream(file)
	if err != nil {
		return nil, 0, err
	}
	defer r.Close()

	hits := make([]ScreenHit, 0, 1024)
	var skipped int

	items := make([]string, screenNumFields+1)
	var line string
	for {
		line, err = fh.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				items = items[:cap(items)]
				stringSplitNByByte(line, '\t', screenNumFields+1, &items)
				if len(items) < screenNumFields {
					skipped++
				} else {
					score, err2 := strconv.ParseFloat(items[0], 64)
					genome := strings.TrimSpace(items[4])
					if err2 != nil || genome == "" {
						skipped++
					} else {
						hits = append(hits, ScreenHit{Genome: genome, Score: score, Shared: items[1]})
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, skipped, err
		}
	}

	return hits, skipped, nil
}

// SelectorOptions controls the adaptive-threshold candidate search.
type SelectorOptions struct {
	InitialThreshold float64
	MinThreshold     float64
	Step             float64
	DefaultThreshold float64 // fallback when the search exhausts
	MinCandidates    int
}

var defaultSelectorOptions = SelectorOptions{
	InitialThreshold: 0.95,
	MinThreshold:     0.70,
	Step:             0.02,
	DefaultThreshold: 0.80,
}

// minCandidatesFor returns the candidate floor for a query set:
// max(5, ceil(numInputSeqs * 3.25)).
func minCandidatesFor(numInputSeqs int) int {
	return maxInt(5, int(math.Ceil(float64(numInputSeqs)*3.25)))
}

// selectByThreshold lowers the score threshold step by step until enough
// hits qualify or the minimum threshold is passed. Exhaustion falls back to
// the fixed default threshold and reports degraded=true; the caller logs it
// and carries on with whatever qualified.
// The search always terminates within
// (InitialThreshold-MinThreshold)/Step + 1 iterations.
func selectByThreshold(hits []ScreenHit, opt SelectorOptions) (threshold float64, selected []ScreenHit, degraded bool) {
	above := func(thr float64) []ScreenHit {
		picked := make([]ScreenHit, 0, len(hits))
		for _, h := range hits {
			if h.Score > thr {
				picked = append(picked, h)
			}
		}
		return picked
	}

	for thr := opt.InitialThreshold; thr >= opt.MinThreshold; thr -= opt.Step {
		picked := above(thr)
		if len(picked) >= opt.MinCandidates {
			return thr, picked, false
		}
	}

	return opt.DefaultThreshold, above(opt.DefaultThreshold), true
}

// selectUnion merges the per-database selections and fails when nothing
// qualified in any database, even at the fallback threshold. Raw hits alone
// are not enough: a table full of low-scoring hits still selects nothing.
func selectUnion(perDB [][]ScreenHit) ([]ScreenHit, error) {
	merged := unionCandidates(perDB)
	if len(merged) == 0 {
		return nil, inputError("no candidate genome qualified in any of the %d score table(s)", len(perDB))
	}
	return merged, nil
}

// unionCandidates merges per-database selections with exact deduplication,
// keeping the best observed score per genome. The result is sorted by
// genome identifier, independent of database execution order.
func unionCandidates(perDB [][]ScreenHit) []ScreenHit {
	best := make(map[string]ScreenHit, 1024)
	for _, hits := range perDB {
		for _, h := range hits {
			if b, ok := best[h.Genome]; !ok || h.Score > b.Score {
				best[h.Genome] = h
			}
		}
	}

	merged := make([]ScreenHit, 0, len(best))
	for _, h := range best {
		merged = append(merged, h)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Genome < merged[j].Genome })
	return merged
}
