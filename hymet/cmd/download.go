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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	humanize "github.com/dustin/go-humanize"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/shenwei356/xopen"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download candidate reference genomes into the content-addressed cache",
	Long: `Download candidate reference genomes into the content-addressed cache

Input is one or more accession lists (output of "hymet limit", one
accession per line). Every list maps to one cache entry keyed by the
hash of its sorted accessions: identical candidate sets share an entry,
so repeating a run triggers no second download.

The actual fetching is delegated to the command given with
--fetch-command, invoked as

    <fetch-command> <accession-list-file> <entry-dir>

and expected to materialize reference.fna.gz and taxonomy.tsv in the
entry directory. Failed fetches are retried with exponential backoff.
A ready entry is immutable; --force-refresh rebuilds it into a fresh
directory and swaps it in atomically.

With --build-index an alignment index (minimap2) is built eagerly;
otherwise it is built lazily on first use by "hymet run".

Concurrent invocations on the same candidate set are safe: late comers
wait for the first builder instead of downloading again.

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

		cacheDir := getFlagString(cmd, "cache-dir")
		fetchCommand := getFlagString(cmd, "fetch-command")
		forceRefresh := getFlagBool(cmd, "force-refresh")
		buildIndex := getFlagBool(cmd, "build-index")
		retries := getFlagNonNegativeInt(cmd, "retries")
		minimap2 := getFlagString(cmd, "minimap2")
		preset := getFlagString(cmd, "preset")

		cacheDir, err := homedir.Expand(cacheDir)
		checkError(errors.Wrap(err, "expanding cache dir"))

		if opt.Verbose || opt.Log2File {
			log.Infof("hymet v%s", VERSION)
			log.Info("  https://github.com/hymet-bio/hymet")
			log.Info()

			log.Infof("reference cache: %s", cacheDir)
		}

		files := getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)

		runner := newExternRunner(retries, opt.Verbose || opt.Log2File)
		cm, err := NewCacheManager(cacheDir,
			&commandFetcher{runner: runner, command: fetchCommand},
			&minimapTool{runner: runner, binary: minimap2, preset: preset, threads: opt.NumCPUs})
		checkError(err)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// process bar
		var pbs *mpb.Progress
		var bar *mpb.Bar
		if opt.Verbose && !opt.Log2File {
			pbs = mpb.New(mpb.WithWidth(79), mpb.WithOutput(os.Stderr))
			bar = pbs.AddBar(int64(len(files)),
				mpb.BarStyle("[=>-]<+"),
				mpb.PrependDecorators(
					decor.Name("resolving candidate set: ", decor.WC{W: len("download") + 1, C: decor.DidentRight}),
					decor.Name("", decor.WCSyncSpaceR),
					decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
				),
				mpb.AppendDecorators(
					decor.EwmaETA(decor.ET_STYLE_GO, 60),
				),
			)
		}

		for _, file := range files {
			startTime := time.Now()

			accessions, err := readAccessionList(file)
			checkError(errors.Wrap(err, file))

			entry, err := cm.Resolve(ctx, accessions, forceRefresh)
			checkError(err)

			if buildIndex {
				_, err = cm.EnsureIndex(ctx, entry)
				checkError(err)
			}

			if opt.Verbose || opt.Log2File {
				log.Infof("%s: %d accession(s) -> %s (%s, %s)",
					file, len(accessions), entry.Dir, entry.Status, humanize.Bytes(uint64(dirSize(entry.Dir))))
			}
			fmt.Fprintf(os.Stdout, "%s\t%s\n", entry.Key, entry.Dir)

			if bar != nil {
				bar.Increment()
				bar.DecoratorEwmaUpdate(time.Since(startTime))
			}
		}
		if pbs != nil {
			pbs.Wait()
		}
	},
}

// readAccessionList reads one accession per line, first tab-separated
// column, blank lines ignored.
func readAccessionList(file string) ([]string, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	accessions := make([]string, 0, 128)
	var line string
	for {
		line, err = fh.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line != "" {
				if i := strings.IndexByte(line, '\t'); i >= 0 {
					line = line[:i]
				}
				accessions = append(accessions, line)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}

	if len(accessions) == 0 {
		return nil, inputError("no accessions found in %s", file)
	}
	return accessions, nil
}

func dirSize(dir string) int64 {
	var size int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}

func init() {
	RootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringP("cache-dir", "d", "~/.hymet/cache", formatFlagUsage(`Root directory of the reference cache.`))
	downloadCmd.Flags().StringP("fetch-command", "c", "hymet-fetch", formatFlagUsage(`External command materializing reference.fna.gz and taxonomy.tsv, invoked as: <cmd> <accession-list> <dir>.`))
	downloadCmd.Flags().BoolP("force-refresh", "f", false, formatFlagUsage(`Rebuild the cache entry even if a ready one exists.`))
	downloadCmd.Flags().BoolP("build-index", "I", false, formatFlagUsage(`Build the alignment index eagerly after downloading.`))
	downloadCmd.Flags().IntP("retries", "r", 3, formatFlagUsage(`Retries for the external fetch command.`))
	downloadCmd.Flags().StringP("minimap2", "", "minimap2", formatFlagUsage(`Path of the minimap2 binary.`))
	downloadCmd.Flags().StringP("preset", "x", "map-ont", formatFlagUsage(`minimap2 preset for index building and alignment.`))
}
