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
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"
	"github.com/spf13/cobra"
	prettytable "github.com/tatsushid/go-prettytable"
)

var limitCmd = &cobra.Command{
	Use:   "limit",
	Short: "Deduplicate and cap a candidate genome list",
	Long: `Deduplicate and cap a candidate genome list

Input is a candidate list (output of "hymet select", first column genome
identifier), given as a positional argument or via stdin.

Candidates are optionally deduplicated at species level with
-a/--assembly-summary mapping files (NCBI assembly_summary format; the
species taxid column keys the deduplication, keeping the best-scoring
accession per key). The list is then capped to -m/--max-candidates by
descending best score, ties broken by the lexicographically smallest
accession. Scores come from the original score tables given with
-s/--score-table.

The result is deterministic: identical inputs yield an identical,
accession-sorted list whatever the input order was.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)

		var fhLog *os.File
		if opt.Log2File {
			fhLog = addLog(opt.LogFile, opt.Verbose)
		}
		timeStart := time.Now()
		defer func() {
			if opt.Verbose || opt.Log2File {
				log.Info()
				log.Infof("elapsed time: %s", time.Since(timeStart))
				log.Info()
			}
			if opt.Log2File {
				fhLog.Close()
			}
		}()

		outFile := getFlagString(cmd, "out-file")
		maxCandidates := getFlagInt(cmd, "max-candidates")
		scoreTables := getFlagStringSlice(cmd, "score-table")
		summaryFiles := getFlagStringSlice(cmd, "assembly-summary")
		dedupe := !getFlagBool(cmd, "no-species-dedup")

		if dedupe && len(summaryFiles) == 0 {
			checkError(configurationError("-a/--assembly-summary is needed for species deduplication; use --no-species-dedup to disable"))
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("hymet v%s", VERSION)
			log.Info("  https://github.com/hymet-bio/hymet")
			log.Info()
		}

		files := getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)
		if len(files) > 1 {
			checkError(configurationError("only one candidate list is accepted, %d given", len(files)))
		}

		if len(scoreTables) == 0 {
			checkError(configurationError("at least one score table (-s/--score-table) is needed"))
		}
		scores, nReadable := loadScoreTables(scoreTables)
		if nReadable == 0 {
			checkError(configurationError("none of the %d score table(s) is readable", len(scoreTables)))
		}
		if opt.Verbose || opt.Log2File {
			log.Infof("%d genome score(s) from %d of %d table(s) loaded", len(scores), nReadable, len(scoreTables))
		}

		var speciesMap map[string][2]string
		if len(summaryFiles) > 0 {
			var err error
			speciesMap, err = loadSpeciesMap(summaryFiles)
			checkError(err)
			if opt.Verbose || opt.Log2File {
				log.Infof("%d accession(s) mapped to species from %d file(s)", len(speciesMap), len(summaryFiles))
			}
		}

		// ---------------------------------------------------------------

		cands, err := readCandidateList(files[0], scores, speciesMap)
		checkError(err)

		limited, audit, err := limitCandidates(cands, maxCandidates, dedupe)
		checkError(err)

		outfh, err := newAtomicWriter(outFile, strings.HasSuffix(outFile, ".gz"), opt.CompressionLevel)
		checkError(err)
		for _, c := range limited {
			outfh.WriteString(c.Accession)
			outfh.WriteString("\n")
		}
		checkError(outfh.Close())

		if opt.Verbose || opt.Log2File {
			tbl, err := prettytable.NewTable(
				prettytable.Column{Header: "stage"},
				prettytable.Column{Header: "candidates", AlignRight: true},
			)
			checkError(err)
			tbl.Separator = "  "
			tbl.AddRow("input", audit.Input)
			tbl.AddRow("after species dedup", audit.PostDedup)
			tbl.AddRow(fmt.Sprintf("after cap (%d)", maxCandidates), audit.PostCap)
			fhLogOrStderr(opt, fhLog).Write(tbl.Bytes())
		}
	},
}

// readCandidateList parses a selected-candidate file: one genome per line,
// extra tab-separated columns ignored. Scores and species keys are attached
// from the merged score tables and assembly summaries.
func readCandidateList(file string, scores map[string]float64, speciesMap map[string][2]string) ([]CandidateGenome, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	defer fh.Close()

	cands := make([]CandidateGenome, 0, 1024)
	seen := make(map[string]interface{}, 1024)
	var line string
	for {
		line, err = fh.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				genome := line
				if i := strings.IndexByte(line, '\t'); i >= 0 {
					genome = line[:i]
				}
				if _, ok := seen[genome]; !ok {
					seen[genome] = struct{}{}

					accession := accessionFromFilename(genome)
					c := CandidateGenome{
						Accession: accession,
						BestScore: bestScoreOf(scores, genome),
					}
					if sp, ok := speciesMap[accession]; ok {
						c.SpeciesKey = sp[0]
					}
					cands = append(cands, c)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, file)
		}
	}

	if len(cands) == 0 {
		return nil, inputError("no candidates found in %s", file)
	}
	return cands, nil
}

func init() {
	RootCmd.AddCommand(limitCmd)

	limitCmd.Flags().StringP("out-file", "o", "-", formatFlagUsage(`Out file ("-" for stdout).`))

	limitCmd.Flags().IntP("max-candidates", "m", 100, formatFlagUsage(`Maximum number of candidates to keep.`))
	limitCmd.Flags().StringSliceP("score-table", "s", []string{}, formatFlagUsage(`Sketch-screen score table(s) the candidates came from; unreadable tables are skipped with a warning.`))
	limitCmd.Flags().StringSliceP("assembly-summary", "a", []string{}, formatFlagUsage(`Assembly summary file(s) mapping accessions to species taxids.`))
	limitCmd.Flags().BoolP("no-species-dedup", "D", false, formatFlagUsage(`Keep multiple genomes of the same species.`))
}
