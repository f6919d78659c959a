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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shenwei356/util/pathutil"
	"github.com/zeebo/xxh3"
)

// names of the files materialized inside a cache entry directory
const (
	cacheFastaFile    = "reference.fna.gz"
	cacheTaxonomyFile = "taxonomy.tsv"
	cacheIndexFile    = "reference.mmi"
	cacheReadyMarker  = "READY"
)

type cacheStatus int

const (
	cacheAbsent cacheStatus = iota
	cacheBuilding
	cacheReady
)

func (s cacheStatus) String() string {
	switch s {
	case cacheBuilding:
		return "building"
	case cacheReady:
		return "ready"
	}
	return "absent"
}

// CacheEntry addresses one downloaded reference set. A Ready entry is
// content-immutable; replacement only happens via build-to-temp followed by
// an atomic rename.
type CacheEntry struct {
	Key          string
	Dir          string
	FastaPath    string
	TaxonomyPath string
	IndexPath    string // built lazily on first use
	Status       cacheStatus
}

// Fetcher materializes the reference FASTA and the taxonomy map for a
// candidate set into a directory. Implementations wrap the external genome
// downloader and must be idempotent.
type Fetcher interface {
	Fetch(ctx context.Context, accessions []string, dir string) error
}

// Indexer builds an alignment index from a reference FASTA.
type Indexer interface {
	Index(ctx context.Context, fastaPath string, indexPath string) error
}

// cacheKey derives the content address of a candidate set: the stable hash
// of the sorted accession list. Identical sets always map to the same key,
// whatever order the databases produced them in.
func cacheKey(accessions []string) string {
	sorted := make([]string, len(accessions))
	copy(sorted, accessions)
	sort.Strings(sorted)
	return fmt.Sprintf("%016x", xxh3.HashString(strings.Join(sorted, "\n")))
}

// CacheManager resolves candidate sets to reference cache entries,
// downloading through the Fetcher only when no Ready entry exists.
// Concurrent Resolve calls on the same key are serialized: in-process via a
// per-key mutex, across processes via an exclusively-created lock file that
// makes late comers poll for the Ready marker instead of re-downloading.
type CacheManager struct {
	root    string
	fetcher Fetcher
	indexer Indexer

	locks sync.Map // key -> *sync.Mutex

	// how long to wait for another process building the same entry
	buildWait    time.Duration
	pollInterval time.Duration
}

func NewCacheManager(root string, fetcher Fetcher, indexer Indexer) (*CacheManager, error) {
	if root == "" {
		return nil, configurationError("cache root not given")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, root)
	}
	return &CacheManager{
		root:         root,
		fetcher:      fetcher,
		indexer:      indexer,
		buildWait:    30 * time.Minute,
		pollInterval: 2 * time.Second,
	}, nil
}

func (cm *CacheManager) keyLock(key string) *sync.Mutex {
	m, _ := cm.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (cm *CacheManager) entryFor(key string) *CacheEntry {
	dir := filepath.Join(cm.root, key)
	return &CacheEntry{
		Key:          key,
		Dir:          dir,
		FastaPath:    filepath.Join(dir, cacheFastaFile),
		TaxonomyPath: filepath.Join(dir, cacheTaxonomyFile),
		IndexPath:    filepath.Join(dir, cacheIndexFile),
		Status:       cacheAbsent,
	}
}

func (cm *CacheManager) isReady(entry *CacheEntry) bool {
	ok, _ := pathutil.Exists(filepath.Join(entry.Dir, cacheReadyMarker))
	return ok
}

// Resolve returns a Ready cache entry for the candidate set, downloading it
// first if needed. Calling it twice with an identical set returns the same
// key and triggers at most one download.
func (cm *CacheManager) Resolve(ctx context.Context, accessions []string, forceRefresh bool) (*CacheEntry, error) {
	if len(accessions) == 0 {
		return nil, inputError("empty candidate list")
	}

	key := cacheKey(accessions)

	lock := cm.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	entry := cm.entryFor(key)

	if !forceRefresh && cm.isReady(entry) {
		entry.Status = cacheReady
		return entry, nil
	}

	lockFile := filepath.Join(cm.root, key+".lock")
	fh, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, lockFile)
		}
		// another process owns the build, wait for its Ready marker
		return cm.waitForReady(ctx, entry, lockFile)
	}
	fmt.Fprintf(fh, "%d\n", os.Getpid())
	fh.Close()
	defer os.Remove(lockFile)

	// the lock may have been acquired just after a concurrent build finished
	if !forceRefresh && cm.isReady(entry) {
		entry.Status = cacheReady
		return entry, nil
	}

	if err = cm.build(ctx, entry, accessions); err != nil {
		return nil, err
	}

	entry.Status = cacheReady
	return entry, nil
}

func (cm *CacheManager) waitForReady(ctx context.Context, entry *CacheEntry, lockFile string) (*CacheEntry, error) {
	deadline := time.Now().Add(cm.buildWait)
	for {
		if cm.isReady(entry) {
			entry.Status = cacheReady
			return entry, nil
		}
		if lockHeld, _ := pathutil.Exists(lockFile); !lockHeld {
			// builder exited without publishing; report so the caller can retry
			return nil, externalToolError(errors.Errorf("cache entry %s: concurrent build aborted", entry.Key), "downloader")
		}
		if time.Now().After(deadline) {
			entry.Status = cacheBuilding
			return nil, externalToolError(errors.Errorf("cache entry %s: still building after %s", entry.Key, cm.buildWait), "downloader")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cm.pollInterval):
		}
	}
}

// build materializes an entry in a temporary directory and publishes it
// with an atomic rename, so readers never observe a partial entry.
func (cm *CacheManager) build(ctx context.Context, entry *CacheEntry, accessions []string) error {
	tmpDir := entry.Dir + fmt.Sprintf(".build.%d", os.Getpid())
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return errors.Wrap(err, tmpDir)
	}
	defer os.RemoveAll(tmpDir)

	if err := cm.fetcher.Fetch(ctx, accessions, tmpDir); err != nil {
		return externalToolError(err, "downloader")
	}

	for _, name := range []string{cacheFastaFile, cacheTaxonomyFile} {
		ok, err := pathutil.Exists(filepath.Join(tmpDir, name))
		if err != nil {
			return errors.Wrap(err, name)
		}
		if !ok {
			return externalToolError(errors.Errorf("downloader did not produce %s", name), "downloader")
		}
	}

	ready, err := os.Create(filepath.Join(tmpDir, cacheReadyMarker))
	if err != nil {
		return errors.Wrap(err, tmpDir)
	}
	fmt.Fprintf(ready, "genomes: %d\ntime: %s\n", len(accessions), time.Now().Format(time.RFC3339))
	ready.Close()

	// replace by renames only: the old entry is moved aside first, so a
	// crash at any point leaves either the old or the new entry in place
	oldDir := entry.Dir + fmt.Sprintf(".old.%d", os.Getpid())
	hasOld := false
	if ok, _ := pathutil.Exists(entry.Dir); ok {
		if err = os.Rename(entry.Dir, oldDir); err != nil {
			return errors.Wrap(err, entry.Dir)
		}
		hasOld = true
	}
	if err = os.Rename(tmpDir, entry.Dir); err != nil {
		if hasOld {
			os.Rename(oldDir, entry.Dir)
		}
		return errors.Wrap(err, entry.Dir)
	}
	if hasOld {
		os.RemoveAll(oldDir)
	}
	return nil
}

// EnsureIndex builds the alignment index of a Ready entry on first use and
// caches it alongside the FASTA. Subsequent calls are no-ops.
func (cm *CacheManager) EnsureIndex(ctx context.Context, entry *CacheEntry) (string, error) {
	if entry.Status != cacheReady {
		return "", configurationError("index requested for a non-ready cache entry: %s", entry.Key)
	}

	lock := cm.keyLock(entry.Key + "/index")
	lock.Lock()
	defer lock.Unlock()

	if ok, _ := pathutil.Exists(entry.IndexPath); ok {
		return entry.IndexPath, nil
	}

	tmpIndex := entry.IndexPath + ".tmp"
	if err := cm.indexer.Index(ctx, entry.FastaPath, tmpIndex); err != nil {
		os.Remove(tmpIndex)
		return "", externalToolError(err, "aligner index")
	}
	if err := os.Rename(tmpIndex, entry.IndexPath); err != nil {
		return "", errors.Wrap(err, entry.IndexPath)
	}
	return entry.IndexPath, nil
}

// Entries scans the cache root for Ready entries.
func (cm *CacheManager) Entries() ([]*CacheEntry, error) {
	fis, err := os.ReadDir(cm.root)
	if err != nil {
		return nil, errors.Wrap(err, cm.root)
	}
	entries := make([]*CacheEntry, 0, len(fis))
	for _, fi := range fis {
		if !fi.IsDir() || strings.Contains(fi.Name(), ".") {
			continue
		}
		entry := cm.entryFor(fi.Name())
		if cm.isReady(entry) {
			entry.Status = cacheReady
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
