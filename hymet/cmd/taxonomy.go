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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shenwei356/bio/taxdump"
	"github.com/shenwei356/util/pathutil"
	"github.com/spf13/cobra"
	"github.com/twotwotwo/sorts"
)

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Build the taxonomy hierarchy table from NCBI taxdump files",
	Long: `Build the taxonomy hierarchy table from NCBI taxdump files

Input is the taxdump directory (-X/--taxdump: nodes.dmp, names.dmp,
optional merged.dmp and delnodes.dmp) and the TaxId mapping file of the
reference set (-T/--taxid-map). The output table covers every taxid of
the mapping plus all its ancestors:

    TaxID  Name  Rank  ParentTaxID  Lineage

Lineage lists the named ranks only, as ";"-joined rank:name tokens from
root to node. "no rank" nodes below species level are promoted to
strain, so subspecies-level genomes keep a usable rank.

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
		taxonomyDataDir := getFlagString(cmd, "taxdump")
		taxidMapFile := getFlagString(cmd, "taxid-map")

		if taxonomyDataDir == "" {
			checkError(configurationError("flag -X/--taxdump is needed"))
		}
		if taxidMapFile == "" {
			checkError(configurationError("flag -T/--taxid-map is needed"))
		}

		if opt.Verbose || opt.Log2File {
			log.Infof("hymet v%s", VERSION)
			log.Info("  https://github.com/hymet-bio/hymet")
			log.Info()
		}

		taxdb := loadTaxdump(opt, taxonomyDataDir)

		if opt.Verbose || opt.Log2File {
			log.Info("loading TaxId mapping file ...")
		}
		taxidMap, err := loadTaxonomyMap(taxidMapFile)
		checkError(err)
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d identifier(s) mapped to TaxIds", len(taxidMap))
		}

		outfh, err := newAtomicWriter(outFile, strings.HasSuffix(outFile, ".gz"), opt.CompressionLevel)
		checkError(err)
		n, err := buildHierarchyTable(taxdb, taxidMap, outfh)
		if err != nil {
			outfh.Abort()
			checkError(err)
		}
		checkError(outfh.Close())

		if opt.Verbose || opt.Log2File {
			log.Infof("%d hierarchy node(s) written to %s", n, outFile)
		}
	},
}

// buildHierarchyTable writes the hierarchy rows of every mapped taxid plus
// all its ancestors, sorted by taxid. Merged taxids are resolved against
// the current dump; deleted or unknown ones are dropped with a warning.
func buildHierarchyTable(taxdb *taxdump.Taxonomy, taxidMap map[string]uint32, outfh *atomicWriter) (int, error) {
	keep := make(map[uint32]interface{}, mapInitSize)
	var nMerged, nDeleted, nUnknown int
	for _, taxid := range taxidMap {
		resolved, ok := taxdb.TaxId(taxid)
		if !ok {
			if _, deleted := taxdb.DelNodes[taxid]; deleted {
				nDeleted++
			} else {
				nUnknown++
			}
			continue
		}
		if resolved != taxid {
			nMerged++
		}
		for _, t := range taxdb.LineageTaxIds(resolved) {
			keep[t] = struct{}{}
		}
	}
	if nMerged > 0 {
		log.Warningf("%d taxid(s) merged into newer ones", nMerged)
	}
	if nDeleted > 0 {
		log.Warningf("%d taxid(s) deleted from the taxonomy, dropped", nDeleted)
	}
	if nUnknown > 0 {
		log.Warningf("%d taxid(s) not found in the taxonomy, dropped", nUnknown)
	}
	if len(keep) == 0 {
		return 0, inputError("no mapped taxid is present in the taxonomy")
	}

	taxids := make(Uint64Slice, 0, len(keep))
	for t := range keep {
		taxids = append(taxids, uint64(t))
	}
	sorts.Quicksort(taxids)

	outfh.WriteString("TaxID\tName\tRank\tParentTaxID\tLineage\n")
	tokens := make([]string, 0, len(rankOrder))
	for _, id := range taxids {
		taxid := uint32(id)
		rank := promotedRank(taxdb, taxid)

		tokens = tokens[:0]
		for _, t := range taxdb.LineageTaxIds(taxid) {
			r := promotedRank(taxdb, t)
			if _, ok := rankIndex[r]; ok {
				tokens = append(tokens, r+":"+taxdb.Names[t])
			}
		}

		outfh.WriteString(fmt.Sprintf("%d\t%s\t%s\t%d\t%s\n",
			taxid, taxdb.Names[taxid], rank, taxdb.Nodes[taxid], strings.Join(tokens, ";")))
	}

	return len(taxids), nil
}

// promotedRank returns the node's rank, with "no rank" nodes at or below
// species level promoted to strain.
func promotedRank(taxdb *taxdump.Taxonomy, taxid uint32) string {
	rank := strings.ToLower(taxdb.Rank(taxid))
	if rank == "no rank" && taxdb.AtOrBelowRank(taxid, "species") {
		return "strain"
	}
	return rank
}

func loadTaxdump(opt *Options, path string) *taxdump.Taxonomy {
	if opt.Verbose || opt.Log2File {
		log.Infof("loading Taxonomy from: %s", path)
	}
	var t *taxdump.Taxonomy
	var err error

	t, err = taxdump.NewTaxonomyWithRankFromNCBI(filepath.Join(path, "nodes.dmp"))
	if err != nil {
		checkError(fmt.Errorf("err on loading Taxonomy nodes: %s", err))
	}

	if opt.Verbose || opt.Log2File {
		log.Infof("  %d nodes in %d ranks loaded", len(t.Nodes), len(t.Ranks))
	}

	var existed bool

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		existed, err = pathutil.Exists(filepath.Join(path, "names.dmp"))
		if err != nil {
			checkError(fmt.Errorf("err on checking file names.dmp: %s", err))
		}
		if existed {
			err = t.LoadNamesFromNCBI(filepath.Join(path, "names.dmp"))
			if err != nil {
				checkError(fmt.Errorf("err on loading Taxonomy names: %s", err))
			}
		} else {
			checkError(fmt.Errorf("names.dmp not found in: %s", path))
		}
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d names loaded", len(t.Names))
		}
	}()

	go func() {
		defer wg.Done()
		existed, err = pathutil.Exists(filepath.Join(path, "delnodes.dmp"))
		if err != nil {
			checkError(fmt.Errorf("err on checking file delnodes.dmp: %s", err))
		}
		if existed {
			err = t.LoadDeletedNodesFromNCBI(filepath.Join(path, "delnodes.dmp"))
			if err != nil {
				checkError(fmt.Errorf("err on loading Taxonomy deleted nodes: %s", err))
			}
		}
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d deleted nodes loaded", len(t.DelNodes))
		}
	}()

	go func() {
		defer wg.Done()
		existed, err = pathutil.Exists(filepath.Join(path, "merged.dmp"))
		if err != nil {
			checkError(fmt.Errorf("err on checking file merged.dmp: %s", err))
		}
		if existed {
			err = t.LoadMergedNodesFromNCBI(filepath.Join(path, "merged.dmp"))
			if err != nil {
				checkError(fmt.Errorf("err on loading Taxonomy merged nodes: %s", err))
			}
		}
		if opt.Verbose || opt.Log2File {
			log.Infof("  %d merged nodes loaded", len(t.MergeNodes))
		}
	}()

	wg.Wait()

	t.CacheLCA()

	return t
}

func init() {
	RootCmd.AddCommand(taxonomyCmd)

	taxonomyCmd.Flags().StringP("out-file", "o", "-", formatFlagUsage(`Out file ("-" for stdout).`))
	taxonomyCmd.Flags().StringP("taxdump", "X", "", formatFlagUsage(`Directory of NCBI taxonomy dump files: names.dmp, nodes.dmp, optional with merged.dmp and delnodes.dmp.`))
	taxonomyCmd.Flags().StringP("taxid-map", "T", "", formatFlagUsage(`TaxId mapping file of the reference set.`))
}
