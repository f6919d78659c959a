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
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/spf13/cobra"
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Assign taxonomic lineages to queries from alignment results",
	Long: `Assign taxonomic lineages to queries from alignment results

Input is one or more PAF files (positional arguments or -i/--infile-list),
plus the taxonomy map (-T/--taxid-map, mapping reference identifiers to
TaxIds) and the taxonomy hierarchy (-H/--hierarchy, output of
"hymet taxonomy").

Per query, hits against the same taxon keep only their best score. A hit
whose relative score advantage over the runner-up exceeds -m/--margin
wins directly; otherwise all hits within the margin are collapsed to
their lowest common ancestor, and the confidence is scaled down by the
depth lost in the collapse. When not a single query resolves although
alignments were seen, the run degrades to first-hit assignments with a
warning.

Every query receives exactly one output row, including queries without
any alignment; give the original query FASTA/FASTQ file(s) with
-Q/--query so those can be reported as unclassified.

Performance notes:
  1. PAF files are parsed in parallel, and the number of lines
     proceeded by a thread can be set by the flag --chunk-size.
  2. However using a lot of threads does not always accelerate
     processing, 4 threads with chunk size of 500-5000 is fast enough.

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
		taxidMapFile := getFlagString(cmd, "taxid-map")
		hierarchyFile := getFlagString(cmd, "hierarchy")
		queryFiles := getFlagStringSlice(cmd, "query")

		camiFile := getFlagString(cmd, "cami-report")
		sampleID := getFlagString(cmd, "sample-id")
		taxonomyID := getFlagString(cmd, "taxonomy-id")

		copt := &ClassifyOptions{
			Margin:    getFlagNonNegativeFloat64(cmd, "margin"),
			Threads:   opt.NumCPUs,
			ChunkSize: getFlagPositiveInt(cmd, "chunk-size"),
			Separator: getFlagString(cmd, "separator"),
		}

		if taxidMapFile == "" {
			checkError(configurationError("flag -T/--taxid-map is needed"))
		}
		if hierarchyFile == "" {
			checkError(configurationError("flag -H/--hierarchy is needed"))
		}

		if opt.NumCPUs > 4 {
			if opt.Verbose || opt.Log2File {
				log.Infof("using a lot of threads does not always accelerate processing, 4-threads is fast enough")
			}
			opt.NumCPUs = 4
			copt.Threads = 4
			runtime.GOMAXPROCS(opt.NumCPUs)
		}

		// ---------------------------------------------------------------

		if opt.Verbose || opt.Log2File {
			log.Infof("hymet v%s", VERSION)
			log.Info("  https://github.com/hymet-bio/hymet")
			log.Info()

			log.Info("checking input files ...")
		}
		files := getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d alignment file(s) given", len(files))
		}

		if opt.Verbose || opt.Log2File {
			log.Info("loading TaxId mapping file ...")
		}
		taxidMap, err := loadTaxonomyMap(taxidMapFile)
		checkError(err)
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d identifier(s) mapped to TaxIds", len(taxidMap))

			log.Info("loading taxonomy hierarchy ...")
		}
		hier, err := loadHierarchy(hierarchyFile)
		checkError(err)
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d node(s) loaded", len(hier.Nodes))
		}

		var querySet []string
		if len(queryFiles) > 0 {
			querySet, err = readQueryIDs(queryFiles)
			checkError(err)
			if opt.Verbose || opt.Log2File {
				log.Infof("%d query identifier(s) from %d file(s)", len(querySet), len(queryFiles))
			}
		}

		if opt.Verbose || opt.Log2File {
			log.Info()
			log.Infof("-------------------- [main parameters] --------------------")
			log.Infof("  relative score margin: %.2f", copt.Margin)
			log.Infof("  threads: %d, chunk size: %d", copt.Threads, copt.ChunkSize)
			log.Infof("-------------------- [main parameters] --------------------")
			log.Info()
		}

		// ---------------------------------------------------------------

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		records := make(chan *AlignmentRecord, copt.ChunkSize)
		var nSkipped uint64
		readErr := make(chan error, 1)
		go func() {
			defer close(records)
			for _, file := range files {
				reader, err := NewPAFReader(file, copt.Threads, copt.ChunkSize)
				if err != nil {
					readErr <- errors.Wrap(err, file)
					return
				}
				for m := range reader.Ch {
					records <- m
				}
				if err = reader.Err(); err != nil {
					readErr <- errors.Wrap(err, file)
					return
				}
				nSkipped += reader.Skipped()
			}
			readErr <- nil
		}()

		results, stats, err := classifyRecords(ctx, records, taxidMap, hier, querySet, copt)
		checkError(err)
		checkError(<-readErr)
		stats.SkippedLines = nSkipped

		if stats.SkippedLines > 0 {
			log.Warningf("%d malformed alignment line(s) skipped", stats.SkippedLines)
		}
		if stats.UnmappedHits > 0 {
			log.Warningf("%d hit(s) against references missing from the TaxId map ignored", stats.UnmappedHits)
		}
		if stats.FirstHitFallback {
			log.Warningf("consensus resolved no queries, degraded to first-hit assignments")
		}

		// ---------------------------------------------------------------

		outfh, err := newAtomicWriter(outFile, strings.HasSuffix(outFile, ".gz"), opt.CompressionLevel)
		checkError(err)

		outfh.WriteString("Query\tLineage\tTaxonomic Level\tConfidence\n")
		for _, r := range results {
			outfh.WriteString(fmt.Sprintf("%s\t%s\t%s\t%.4f\n", r.Query, r.Lineage, r.Level, r.Confidence))
		}
		checkError(outfh.Close())

		if camiFile != "" {
			entries := aggregateProfile(results, hier, stats.Queries)
			camifh, err := newAtomicWriter(camiFile, strings.HasSuffix(camiFile, ".gz"), opt.CompressionLevel)
			checkError(err)
			writeCamiProfile(camifh.Writer, sampleID, taxonomyID, entries)
			checkError(camifh.Close())
		}

		if opt.Verbose || opt.Log2File {
			log.Info()
			log.Infof("%d record(s) in, %d queries: %d classified, %d unclassified",
				stats.Records, stats.Queries, stats.Resolved, stats.Unresolved)
		}
	},
}

// readQueryIDs collects sequence identifiers of the query files,
// deduplicated and sorted.
func readQueryIDs(files []string) ([]string, error) {
	seen := make(map[string]interface{}, 1024)
	for _, file := range files {
		reader, err := fastx.NewDefaultReader(file)
		if err != nil {
			return nil, errors.Wrap(err, file)
		}
		for {
			record, err := reader.Read()
			if err != nil {
				if err == io.EOF {
					break
				}
				return nil, errors.Wrap(err, file)
			}
			seen[string(record.ID)] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func init() {
	RootCmd.AddCommand(classifyCmd)

	classifyCmd.Flags().StringP("out-file", "o", "-", formatFlagUsage(`Out file ("-" for stdout).`))

	classifyCmd.Flags().StringP("taxid-map", "T", "", formatFlagUsage(`Tabular two-column file mapping reference identifiers to TaxIds; identifiers may be ";"-separated.`))
	classifyCmd.Flags().StringP("hierarchy", "H", "", formatFlagUsage(`Taxonomy hierarchy file (output of "hymet taxonomy").`))
	classifyCmd.Flags().StringSliceP("query", "Q", []string{}, formatFlagUsage(`Query FASTA/FASTQ file(s); queries without alignments are reported as unclassified.`))

	classifyCmd.Flags().Float64P("margin", "m", 0.10, formatFlagUsage(`Relative score margin separating a clear best hit from a tie.`))
	classifyCmd.Flags().IntP("chunk-size", "", 5000, formatFlagUsage(`Number of lines to process for each thread.`))
	classifyCmd.Flags().StringP("separator", "", ";", formatFlagUsage(`Separator of rank:name tokens in the lineage column.`))

	classifyCmd.Flags().StringP("cami-report", "C", "", formatFlagUsage(`Also write a CAMI profile to this file.`))
	classifyCmd.Flags().StringP("sample-id", "s", "SAMPLE", formatFlagUsage(`Sample identifier of the CAMI report.`))
	classifyCmd.Flags().StringP("taxonomy-id", "", "ncbi", formatFlagUsage(`Taxonomy identifier of the CAMI report.`))
}
