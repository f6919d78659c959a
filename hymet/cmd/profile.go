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
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Aggregate classified queries into a rank-wise CAMI profile",
	Long: `Aggregate classified queries into a rank-wise CAMI profile

Input is a classification table (output of "hymet classify") plus the
taxonomy hierarchy it was classified against.

Every classified query contributes to its resolved taxon and to each
ancestor at the enumerated ranks, never to ranks below its resolution.
Percentages are relative to the total query count; the unresolved
remainder is omitted, not renormalized, so rank sums below 100% are
expected and meaningful.

Output follows the CAMI profiling format:
https://github.com/bioboxes/rfc/blob/master/data-format/profiling.mkd

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
		hierarchyFile := getFlagString(cmd, "hierarchy")
		sampleID := getFlagString(cmd, "sample-id")
		taxonomyID := getFlagString(cmd, "taxonomy-id")

		if hierarchyFile == "" {
			checkError(configurationError("flag -H/--hierarchy is needed"))
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("hymet v%s", VERSION)
			log.Info("  https://github.com/hymet-bio/hymet")
			log.Info()
		}

		files := getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)
		if len(files) > 1 {
			checkError(configurationError("only one classification table is accepted, %d given", len(files)))
		}

		if opt.Verbose || opt.Log2File {
			log.Info("loading taxonomy hierarchy ...")
		}
		hier, err := loadHierarchy(hierarchyFile)
		checkError(err)
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d node(s) loaded", len(hier.Nodes))
		}

		results, err := loadClassifiedResults(files[0], hier)
		checkError(err)

		var resolved int
		for _, r := range results {
			if r.Taxid != 0 {
				resolved++
			}
		}
		if opt.Verbose || opt.Log2File {
			log.Infof("%d queries loaded, %d carrying a mappable lineage", len(results), resolved)
		}

		entries := aggregateProfile(results, hier, len(results))

		outfh, err := newAtomicWriter(outFile, strings.HasSuffix(outFile, ".gz"), opt.CompressionLevel)
		checkError(err)
		writeCamiProfile(outfh.Writer, sampleID, taxonomyID, entries)
		checkError(outfh.Close())

		if opt.Verbose || opt.Log2File {
			log.Infof("%d profile row(s) written to %s", len(entries), outFile)
		}
	},
}

func init() {
	RootCmd.AddCommand(profileCmd)

	profileCmd.Flags().StringP("out-file", "o", "-", formatFlagUsage(`Out file ("-" for stdout).`))
	profileCmd.Flags().StringP("hierarchy", "H", "", formatFlagUsage(`Taxonomy hierarchy file (output of "hymet taxonomy").`))
	profileCmd.Flags().StringP("sample-id", "s", "SAMPLE", formatFlagUsage(`Sample identifier of the profile.`))
	profileCmd.Flags().StringP("taxonomy-id", "", "ncbi", formatFlagUsage(`Taxonomy identifier of the profile.`))
}
