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
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/shenwei356/util/pathutil"
	"github.com/spf13/cobra"
	prettytable "github.com/tatsushid/go-prettytable"
	yaml "gopkg.in/yaml.v2"
)

// runConfig is the YAML configuration of a whole pipeline run.
type runConfig struct {
	WorkDir    string   `yaml:"work_dir"`
	QueryFiles []string `yaml:"query_files"`

	Databases []struct {
		Name   string `yaml:"name"`
		Sketch string `yaml:"sketch"`
	} `yaml:"databases"`

	// external tools
	Mash         string `yaml:"mash"`
	Minimap2     string `yaml:"minimap2"`
	Preset       string `yaml:"preset"`
	FetchCommand string `yaml:"fetch_command"`
	Retries      int    `yaml:"retries"`

	CacheDir string `yaml:"cache_dir"`
	Taxdump  string `yaml:"taxdump"`

	// selection and limiting
	InitialThreshold  float64  `yaml:"initial_threshold"`
	MinThreshold      float64  `yaml:"min_threshold"`
	ThresholdStep     float64  `yaml:"threshold_step"`
	DefaultThreshold  float64  `yaml:"default_threshold"`
	MaxCandidates     int      `yaml:"max_candidates"`
	SpeciesDedup      *bool    `yaml:"species_dedup"`
	AssemblySummaries []string `yaml:"assembly_summaries"`

	// classification
	Margin   float64 `yaml:"margin"`
	SampleID string  `yaml:"sample_id"`
}

func loadRunConfig(file string) (*runConfig, error) {
	data, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, file)
	}
	cfg := &runConfig{
		WorkDir:          "hymet_out",
		Mash:             "mash",
		Minimap2:         "minimap2",
		Preset:           "map-ont",
		FetchCommand:     "hymet-fetch",
		Retries:          3,
		CacheDir:         "~/.hymet/cache",
		InitialThreshold: 0.95,
		MinThreshold:     0.70,
		ThresholdStep:    0.02,
		DefaultThreshold: 0.80,
		MaxCandidates:    100,
		Margin:           0.10,
		SampleID:         "SAMPLE",
	}
	if err = yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, configurationError("parsing %s: %s", file, err)
	}

	if len(cfg.QueryFiles) == 0 {
		return nil, configurationError("%s: query_files must not be empty", file)
	}
	if len(cfg.Databases) == 0 {
		return nil, configurationError("%s: databases must not be empty", file)
	}
	if cfg.Taxdump == "" {
		return nil, configurationError("%s: taxdump must be set", file)
	}
	if cfg.CacheDir, err = homedir.Expand(cfg.CacheDir); err != nil {
		return nil, errors.Wrap(err, cfg.CacheDir)
	}
	return cfg, nil
}

type stageStatus int

const (
	stageSkipped stageStatus = iota
	stageCompleted
	stageFailed
)

func (s stageStatus) String() string {
	switch s {
	case stageCompleted:
		return "completed"
	case stageFailed:
		return "failed"
	}
	return "skipped"
}

// pipelineStage is one step of the orchestrated run. A stage whose outputs
// all exist already is skipped, which makes re-running a failed pipeline
// resume where it stopped.
type pipelineStage struct {
	name    string
	outputs []string
	run     func(ctx context.Context) error
}

type stageRecord struct {
	name    string
	status  stageStatus
	elapsed time.Duration
	err     error
}

func runStages(ctx context.Context, stages []pipelineStage, force bool) []stageRecord {
	records := make([]stageRecord, 0, len(stages))
	for _, stage := range stages {
		rec := stageRecord{name: stage.name}

		done := len(stage.outputs) > 0 && !force
		for _, out := range stage.outputs {
			if ok, _ := pathutil.Exists(out); !ok {
				done = false
				break
			}
		}
		if done {
			rec.status = stageSkipped
			log.Infof("[%s] skipped, outputs exist", stage.name)
			records = append(records, rec)
			continue
		}

		log.Infof("[%s] running ...", stage.name)
		timeStart := time.Now()
		err := stage.run(ctx)
		rec.elapsed = time.Since(timeStart)

		if err != nil {
			rec.status = stageFailed
			rec.err = err
			log.Errorf("[%s] failed after %s: %s", stage.name, rec.elapsed, err)
			records = append(records, rec)
			break
		}
		rec.status = stageCompleted
		log.Infof("[%s] completed in %s", stage.name, rec.elapsed)
		records = append(records, rec)
	}
	return records
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the whole classification pipeline from a config file",
	Long: `Run the whole classification pipeline from a config file

The stages, in order:

  screen     sketch-screen the queries against every database
  select     adaptive-threshold candidate selection, union across databases
  limit      species deduplication and candidate cap
  download   resolve the candidate set in the reference cache
  align      map the queries against the cached reference index
  classify   lineage consensus over the alignments
  profile    rank-wise CAMI abundance profile

A stage whose output files already exist in the work directory is
skipped, so an interrupted run resumes where it stopped; --force
recomputes everything. External tools are retried with exponential
backoff; Ctrl-C cancels the running stage cleanly.

Example config (YAML):

    query_files: [queries/sample.fna.gz]
    databases:
      - {name: refseq, sketch: db/refseq.msh}
      - {name: gtdb,   sketch: db/gtdb.msh}
    taxdump: taxdump/
    assembly_summaries: [db/assembly_summary.txt]
    max_candidates: 100
    sample_id: sample1

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

		configFile := getFlagString(cmd, "config")
		force := getFlagBool(cmd, "force")

		if configFile == "" {
			checkError(configurationError("flag -c/--config is needed"))
		}

		cfg, err := loadRunConfig(configFile)
		checkError(err)

		if opt.Verbose || opt.Log2File {
			log.Infof("hymet v%s", VERSION)
			log.Info("  https://github.com/hymet-bio/hymet")
			log.Info()

			log.Infof("work directory: %s", cfg.WorkDir)
			log.Infof("reference cache: %s", cfg.CacheDir)
			log.Infof("%d query file(s), %d database(s)", len(cfg.QueryFiles), len(cfg.Databases))
		}
		if force {
			// a forced run starts from scratch, stale stage outputs included
			makeOutDir(cfg.WorkDir, true)
		}
		checkError(os.MkdirAll(cfg.WorkDir, 0755))

		runner := newExternRunner(cfg.Retries, opt.Verbose || opt.Log2File)
		screener := &mashScreener{runner: runner, binary: cfg.Mash, threads: opt.NumCPUs}
		aligner := &minimapTool{runner: runner, binary: cfg.Minimap2, preset: cfg.Preset, threads: opt.NumCPUs}
		cm, err := NewCacheManager(cfg.CacheDir,
			&commandFetcher{runner: runner, command: cfg.FetchCommand}, aligner)
		checkError(err)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// stage outputs in the work directory
		screenFiles := make([]string, len(cfg.Databases))
		for i, db := range cfg.Databases {
			screenFiles[i] = filepath.Join(cfg.WorkDir, fmt.Sprintf("screen_%s.tsv", db.Name))
		}
		selectedFile := filepath.Join(cfg.WorkDir, "candidates_selected.tsv")
		candidatesFile := filepath.Join(cfg.WorkDir, "candidates.txt")
		hierarchyFile := filepath.Join(cfg.WorkDir, "taxonomy_hierarchy.tsv")
		pafFile := filepath.Join(cfg.WorkDir, "alignment.paf")
		classifiedFile := filepath.Join(cfg.WorkDir, "classified_sequences.tsv")
		profileFile := filepath.Join(cfg.WorkDir, "profile.cami.tsv")

		// the cache entry crosses the download, taxonomy and align stages
		var entry *CacheEntry
		var indexPath string

		dedupe := cfg.SpeciesDedup == nil || *cfg.SpeciesDedup

		stages := []pipelineStage{
			{
				name:    "screen",
				outputs: screenFiles,
				run: func(ctx context.Context) error {
					for i, db := range cfg.Databases {
						if err := screener.Screen(ctx, db.Sketch, cfg.QueryFiles, screenFiles[i]); err != nil {
							return err
						}
					}
					return nil
				},
			},
			{
				name:    "select",
				outputs: []string{selectedFile},
				run: func(ctx context.Context) error {
					numSeqs, err := countFastxRecords(cfg.QueryFiles)
					if err != nil {
						return err
					}
					sopt := SelectorOptions{
						InitialThreshold: cfg.InitialThreshold,
						MinThreshold:     cfg.MinThreshold,
						Step:             cfg.ThresholdStep,
						DefaultThreshold: cfg.DefaultThreshold,
						MinCandidates:    minCandidatesFor(numSeqs),
					}

					perDB := make([][]ScreenHit, 0, len(screenFiles))
					for _, file := range screenFiles {
						hits, skipped, err := parseScreenFile(file)
						if err != nil {
							return errors.Wrap(err, file)
						}
						if skipped > 0 {
							log.Warningf("%s: %d malformed line(s) skipped", file, skipped)
						}

						thr, selected, degraded := selectByThreshold(hits, sopt)
						if degraded {
							log.Warningf("%s: threshold search exhausted, falling back to %.2f", file, thr)
						}
						perDB = append(perDB, selected)
					}
					merged, err := selectUnion(perDB)
					if err != nil {
						return err
					}

					outfh, err := newAtomicWriter(selectedFile, strings.HasSuffix(selectedFile, ".gz"), opt.CompressionLevel)
					if err != nil {
						return err
					}
					for _, h := range merged {
						outfh.WriteString(fmt.Sprintf("%s\t%f\n", h.Genome, h.Score))
					}
					return outfh.Close()
				},
			},
			{
				name:    "limit",
				outputs: []string{candidatesFile},
				run: func(ctx context.Context) error {
					scores, nReadable := loadScoreTables(screenFiles)
					if nReadable == 0 {
						return configurationError("no readable score tables in %s", cfg.WorkDir)
					}

					var speciesMap map[string][2]string
					if dedupe {
						if len(cfg.AssemblySummaries) == 0 {
							return configurationError("assembly_summaries must be set for species deduplication")
						}
						var err error
						if speciesMap, err = loadSpeciesMap(cfg.AssemblySummaries); err != nil {
							return err
						}
					}

					cands, err := readCandidateList(selectedFile, scores, speciesMap)
					if err != nil {
						return err
					}
					limited, audit, err := limitCandidates(cands, cfg.MaxCandidates, dedupe)
					if err != nil {
						return err
					}
					log.Infof("candidates: %d in, %d after dedup, %d after cap", audit.Input, audit.PostDedup, audit.PostCap)

					outfh, err := newAtomicWriter(candidatesFile, strings.HasSuffix(candidatesFile, ".gz"), opt.CompressionLevel)
					if err != nil {
						return err
					}
					for _, c := range limited {
						outfh.WriteString(c.Accession)
						outfh.WriteString("\n")
					}
					return outfh.Close()
				},
			},
			{
				// no static outputs: the cache key depends on the candidate
				// list, and Resolve is already idempotent
				name: "download",
				run: func(ctx context.Context) error {
					accessions, err := readAccessionList(candidatesFile)
					if err != nil {
						return err
					}
					if entry, err = cm.Resolve(ctx, accessions, false); err != nil {
						return err
					}
					indexPath, err = cm.EnsureIndex(ctx, entry)
					return err
				},
			},
			{
				name:    "taxonomy",
				outputs: []string{hierarchyFile},
				run: func(ctx context.Context) error {
					taxdb := loadTaxdump(opt, cfg.Taxdump)
					taxidMap, err := loadTaxonomyMap(entry.TaxonomyPath)
					if err != nil {
						return err
					}
					outfh, err := newAtomicWriter(hierarchyFile, strings.HasSuffix(hierarchyFile, ".gz"), opt.CompressionLevel)
					if err != nil {
						return err
					}
					if _, err = buildHierarchyTable(taxdb, taxidMap, outfh); err != nil {
						outfh.Abort()
						return err
					}
					return outfh.Close()
				},
			},
			{
				name:    "align",
				outputs: []string{pafFile},
				run: func(ctx context.Context) error {
					return aligner.Align(ctx, indexPath, cfg.QueryFiles, pafFile)
				},
			},
			{
				name:    "classify",
				outputs: []string{classifiedFile},
				run: func(ctx context.Context) error {
					taxidMap, err := loadTaxonomyMap(entry.TaxonomyPath)
					if err != nil {
						return err
					}
					hier, err := loadHierarchy(hierarchyFile)
					if err != nil {
						return err
					}
					querySet, err := readQueryIDs(cfg.QueryFiles)
					if err != nil {
						return err
					}

					copt := &ClassifyOptions{
						Margin:    cfg.Margin,
						Threads:   minInt(opt.NumCPUs, 4),
						ChunkSize: defaultClassifyOptions.ChunkSize,
						Separator: defaultClassifyOptions.Separator,
					}

					reader, err := NewPAFReader(pafFile, copt.Threads, copt.ChunkSize)
					if err != nil {
						return err
					}
					results, stats, err := classifyRecords(ctx, reader.Ch, taxidMap, hier, querySet, copt)
					if err != nil {
						return err
					}
					if err = reader.Err(); err != nil {
						return err
					}
					if reader.Skipped() > 0 {
						log.Warningf("%d malformed alignment line(s) skipped", reader.Skipped())
					}
					if stats.FirstHitFallback {
						log.Warningf("consensus resolved no queries, degraded to first-hit assignments")
					}
					log.Infof("%d queries: %d classified, %d unclassified", stats.Queries, stats.Resolved, stats.Unresolved)

					outfh, err := newAtomicWriter(classifiedFile, strings.HasSuffix(classifiedFile, ".gz"), opt.CompressionLevel)
					if err != nil {
						return err
					}
					outfh.WriteString("Query\tLineage\tTaxonomic Level\tConfidence\n")
					for _, r := range results {
						outfh.WriteString(fmt.Sprintf("%s\t%s\t%s\t%.4f\n", r.Query, r.Lineage, r.Level, r.Confidence))
					}
					return outfh.Close()
				},
			},
			{
				name:    "profile",
				outputs: []string{profileFile},
				run: func(ctx context.Context) error {
					hier, err := loadHierarchy(hierarchyFile)
					if err != nil {
						return err
					}
					results, err := loadClassifiedResults(classifiedFile, hier)
					if err != nil {
						return err
					}
					entries := aggregateProfile(results, hier, len(results))

					outfh, err := newAtomicWriter(profileFile, strings.HasSuffix(profileFile, ".gz"), opt.CompressionLevel)
					if err != nil {
						return err
					}
					writeCamiProfile(outfh.Writer, cfg.SampleID, "ncbi", entries)
					return outfh.Close()
				},
			},
		}

		records := runStages(ctx, stages, force)

		// summary
		tbl, err := prettytable.NewTable(
			prettytable.Column{Header: "stage"},
			prettytable.Column{Header: "status"},
			prettytable.Column{Header: "elapsed", AlignRight: true},
		)
		checkError(err)
		tbl.Separator = "  "
		var failed error
		for _, rec := range records {
			tbl.AddRow(rec.name, rec.status.String(), rec.elapsed.Round(time.Millisecond).String())
			if rec.err != nil {
				failed = rec.err
			}
		}
		fhLogOrStderr(opt, fhLog).Write(tbl.Bytes())

		checkError(failed)
	},
}

func init() {
	RootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", formatFlagUsage(`Pipeline configuration file (YAML).`))
	runCmd.Flags().BoolP("force", "f", false, formatFlagUsage(`Recompute all stages even if their outputs exist.`))
}
