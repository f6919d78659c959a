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
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// externRunner executes external collaborator tools (screener, downloader,
// aligner). Tools are opaque and all-or-nothing: a nonzero exit fails the
// stage. Failures are retried a bounded number of times with exponential
// backoff; cancellation propagates to subprocess termination.
type externRunner struct {
	Retries int
	Backoff time.Duration
	Verbose bool
}

func newExternRunner(retries int, verbose bool) *externRunner {
	return &externRunner{Retries: retries, Backoff: 2 * time.Second, Verbose: verbose}
}

func (r *externRunner) Run(ctx context.Context, stdout *os.File, name string, args ...string) error {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Warningf("retrying %s (attempt %d/%d): %s", name, attempt+1, r.Retries+1, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Backoff << uint(attempt-1)):
			}
		}

		if r.Verbose {
			log.Infof("running: %s %s", name, strings.Join(args, " "))
		}

		cmd := exec.CommandContext(ctx, name, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if stdout != nil {
			cmd.Stdout = stdout
		}

		err = cmd.Run()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = errors.Errorf("%s: %s", err, strings.TrimSpace(stderr.String()))
		if attempt >= r.Retries {
			return externalToolError(err, name)
		}
	}
}

// commandRunner abstracts externRunner for the tool wrappers, so they can
// be exercised without real binaries.
type commandRunner interface {
	Run(ctx context.Context, stdout *os.File, name string, args ...string) error
}

// mashScreener wraps the sketch screener: screen(inputs, sketchDB) writes a
// score table. Row order does not matter downstream, the threshold search
// and the union are order-independent, so the tool output is published as
// produced.
type mashScreener struct {
	runner  commandRunner
	binary  string
	threads int
}

func (s *mashScreener) Screen(ctx context.Context, sketchDB string, inputs []string, outFile string) error {
	tmpFile := outFile + ".tmp"
	fh, err := os.Create(tmpFile)
	if err != nil {
		return errors.Wrap(err, tmpFile)
	}

	args := []string{"screen", "-p", strconv.Itoa(s.threads), sketchDB}
	args = append(args, inputs...)
	if err = s.runner.Run(ctx, fh, s.binary, args...); err != nil {
		fh.Close()
		os.Remove(tmpFile)
		return err
	}
	fh.Close()

	return os.Rename(tmpFile, outFile)
}

// commandFetcher implements Fetcher by delegating to a configurable
// download command, invoked as: <command> <accession-list-file> <dir>.
// The command must materialize reference.fna.gz and taxonomy.tsv in <dir>.
type commandFetcher struct {
	runner  commandRunner
	command string
}

func (f *commandFetcher) Fetch(ctx context.Context, accessions []string, dir string) error {
	listFile := filepath.Join(dir, "accessions.txt")
	fh, err := os.Create(listFile)
	if err != nil {
		return errors.Wrap(err, listFile)
	}
	for _, a := range accessions {
		fh.WriteString(a)
		fh.WriteString("\n")
	}
	if err = fh.Close(); err != nil {
		return errors.Wrap(err, listFile)
	}

	return f.runner.Run(ctx, nil, f.command, listFile, dir)
}

// minimapTool implements Indexer and the alignment step on top of minimap2.
type minimapTool struct {
	runner  commandRunner
	binary  string
	preset  string
	threads int
}

func (t *minimapTool) Index(ctx context.Context, fastaPath string, indexPath string) error {
	return t.runner.Run(ctx, nil, t.binary,
		"-x", t.preset, "-d", indexPath, fastaPath)
}

// Align maps the queries against a reference index, writing PAF.
func (t *minimapTool) Align(ctx context.Context, index string, queries []string, pafFile string) error {
	tmpFile := pafFile + ".tmp"
	fh, err := os.Create(tmpFile)
	if err != nil {
		return errors.Wrap(err, tmpFile)
	}

	args := []string{"-x", t.preset, "-t", strconv.Itoa(t.threads), index}
	args = append(args, queries...)
	if err = t.runner.Run(ctx, fh, t.binary, args...); err != nil {
		fh.Close()
		os.Remove(tmpFile)
		return err
	}
	fh.Close()
	return os.Rename(tmpFile, pafFile)
}
