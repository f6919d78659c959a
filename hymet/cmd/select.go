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
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/util/pathutil"
	"github.com/spf13/cobra"
	prettytable "github.com/tatsushid/go-prettytable"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Select candidate genomes from sketch-screen score tables",
	Long: `Select candidate genomes from sketch-screen score tables

Input is one score table per reference database (output of "mash screen",
sorted or not), given as positional arguments or via -i/--infile-list.

For every database the score threshold starts high and is lowered step by
step until enough genomes qualify. The per-database floor is
  max(5, ceil(number-of-query-sequences * 3.25)),
with the query count taken from the FASTA file(s) given with -Q/--query,
or set directly with -n/--min-candidates.

When no threshold down to --min-threshold yields enough genomes, the
selection falls back to --default-threshold and a degraded-mode warning
is logged; the run continues with whatever qualified.

Per-database selections are merged with exact deduplication, keeping the
best score per genome. Output is a two-column TSV (genome, best score)
sorted by genome.

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
		queryFiles := getFlagStringSlice(cmd, "query")
		minCandidates := getFlagNonNegativeInt(cmd, "min-candidates")

		inDir := getFlagString(cmd, "in-dir")
		readFromDir := inDir != ""
		if readFromDir {
			isDir, err := pathutil.IsDir(inDir)
			if err != nil {
				checkError(errors.Wrapf(err, "checking -I/--in-dir"))
			}
			if !isDir {
				checkError(configurationError("value of -I/--in-dir should be a directory: %s", inDir))
			}
		}

		reFileStr := getFlagString(cmd, "file-regexp")
		if !reIgnoreCase.MatchString(reFileStr) {
			reFileStr = reIgnoreCaseStr + reFileStr
		}
		reFile, err := regexp.Compile(reFileStr)
		if err != nil {
			checkError(errors.Wrapf(err, "failed to parse regular expression for matching file: %s", reFileStr))
		}

		sopt := SelectorOptions{
			InitialThreshold: getFlagPositiveFloat64(cmd, "initial-threshold"),
			MinThreshold:     getFlagPositiveFloat64(cmd, "min-threshold"),
			Step:             getFlagPositiveFloat64(cmd, "threshold-step"),
			DefaultThreshold: getFlagPositiveFloat64(cmd, "default-threshold"),
		}
		if sopt.MinThreshold > sopt.InitialThreshold {
			checkError(configurationError("--min-threshold (%.2f) should not exceed --initial-threshold (%.2f)",
				sopt.MinThreshold, sopt.InitialThreshold))
		}

		if minCandidates == 0 && len(queryFiles) == 0 {
			checkError(configurationError("one of -Q/--query and -n/--min-candidates is needed"))
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("hymet v%s", VERSION)
			log.Info("  https://github.com/hymet-bio/hymet")
			log.Info()

			log.Info("checking input files ...")
		}
		var files []string
		if readFromDir {
			files, err = getFileListFromDir(inDir, reFile, opt.NumCPUs)
			if err != nil {
				checkError(errors.Wrapf(err, "walking dir: %s", inDir))
			}
			if len(files) == 0 {
				checkError(inputError("no files matching regular expression: %s", reFileStr))
			}
		} else {
			files = getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)
		}
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d score table(s) given", len(files))
		}

		if minCandidates == 0 {
			numSeqs, err := countFastxRecords(queryFiles)
			checkError(err)
			minCandidates = minCandidatesFor(numSeqs)
			if opt.Verbose || opt.Log2File {
				log.Infof("%d query sequence(s) in %d file(s), candidate floor: %d",
					numSeqs, len(queryFiles), minCandidates)
			}
		}
		sopt.MinCandidates = minCandidates

		// ---------------------------------------------------------------

		type dbSelection struct {
			file      string
			total     int
			skipped   int
			threshold float64
			selected  int
			degraded  bool
		}

		perDB := make([][]ScreenHit, 0, len(files))
		audits := make([]dbSelection, 0, len(files))
		var totalHits int
		for _, file := range files {
			hits, skipped, err := parseScreenFile(file)
			checkError(errors.Wrap(err, file))
			if skipped > 0 {
				log.Warningf("%s: %d malformed line(s) skipped", file, skipped)
			}
			totalHits += len(hits)

			thr, selected, degraded := selectByThreshold(hits, sopt)
			if degraded {
				log.Warningf("%s: threshold search exhausted below %.2f, falling back to default threshold %.2f (%d genome(s) qualify)",
					file, sopt.MinThreshold, sopt.DefaultThreshold, len(selected))
			}
			perDB = append(perDB, selected)
			audits = append(audits, dbSelection{
				file: file, total: len(hits), skipped: skipped,
				threshold: thr, selected: len(selected), degraded: degraded,
			})
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("%d hit(s) parsed from %d score table(s)", totalHits, len(files))
		}

		// a table full of low-scoring hits selects nothing, so the gate is
		// on the union, not on the raw hit count
		merged, err := selectUnion(perDB)
		checkError(err)

		// ---------------------------------------------------------------

		outfh, err := newAtomicWriter(outFile, strings.HasSuffix(outFile, ".gz"), opt.CompressionLevel)
		checkError(err)

		for _, h := range merged {
			outfh.WriteString(fmt.Sprintf("%s\t%f\n", h.Genome, h.Score))
		}
		checkError(outfh.Close())

		if opt.Verbose || opt.Log2File {
			tbl, err := prettytable.NewTable(
				prettytable.Column{Header: "score-table"},
				prettytable.Column{Header: "hits", AlignRight: true},
				prettytable.Column{Header: "threshold", AlignRight: true},
				prettytable.Column{Header: "selected", AlignRight: true},
				prettytable.Column{Header: "degraded", AlignRight: true},
			)
			checkError(err)
			tbl.Separator = "  "
			for _, a := range audits {
				tbl.AddRow(a.file, a.total, fmt.Sprintf("%.2f", a.threshold),
					a.selected, fmt.Sprintf("%v", a.degraded))
			}
			fhLogOrStderr(opt, fhLog).Write(tbl.Bytes())

			log.Info()
			log.Infof("%d candidate genome(s) after union of %d database(s)", len(merged), len(files))
		}
	},
}

func fhLogOrStderr(opt *Options, fhLog *os.File) io.Writer {
	if opt.Log2File {
		return fhLog
	}
	return os.Stderr
}

// countFastxRecords counts sequences across FASTA/FASTQ files.
func countFastxRecords(files []string) (int, error) {
	var n int
	for _, file := range files {
		reader, err := fastx.NewDefaultReader(file)
		if err != nil {
			return 0, errors.Wrap(err, file)
		}
		for {
			_, err = reader.Read()
			if err != nil {
				if err == io.EOF {
					break
				}
				return 0, errors.Wrap(err, file)
			}
			n++
		}
	}
	return n, nil
}

func init() {
	RootCmd.AddCommand(selectCmd)

	selectCmd.Flags().StringP("out-file", "o", "-", formatFlagUsage(`Out file, supports the ".gz" suffix ("-" for stdout).`))

	selectCmd.Flags().StringP("in-dir", "I", "", formatFlagUsage(`Directory containing score tables; a positional-argument alternative.`))
	selectCmd.Flags().StringP("file-regexp", "r", `\.tsv$`, formatFlagUsage(`Regular expression for matching score tables in -I/--in-dir, case ignored.`))

	selectCmd.Flags().StringSliceP("query", "Q", []string{}, formatFlagUsage(`Query FASTA/FASTQ file(s); the sequence count sets the candidate floor.`))
	selectCmd.Flags().IntP("min-candidates", "n", 0, formatFlagUsage(`Candidate floor per database; 0 derives it from -Q/--query.`))

	selectCmd.Flags().Float64P("initial-threshold", "t", 0.95, formatFlagUsage(`Initial score threshold.`))
	selectCmd.Flags().Float64P("min-threshold", "", 0.70, formatFlagUsage(`Lowest threshold the search may reach.`))
	selectCmd.Flags().Float64P("threshold-step", "", 0.02, formatFlagUsage(`Threshold decrement per search step.`))
	selectCmd.Flags().Float64P("default-threshold", "", 0.80, formatFlagUsage(`Fallback threshold when the search exhausts.`))
}
