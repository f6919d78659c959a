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
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/shenwei356/breader"
)

// AlignmentRecord is one aligned segment of a PAF-like stream.
// Many records per query are possible, and many per (query, target) pair.
type AlignmentRecord struct {
	Query    string
	QLen     int
	QStart   int
	QEnd     int
	Strand   byte
	Target   string
	TLen     int
	TStart   int
	TEnd     int
	Matches  int // match_bases
	BlockLen int
	MapQ     int
}

// pafNumFields is the minimum column number of a usable PAF line.
const pafNumFields = 12

func parsePAFLine(line string, items *[]string) (*AlignmentRecord, bool) {
	*items = (*items)[:cap(*items)]
	stringSplitNByByte(line, '\t', pafNumFields+1, items)
	if len(*items) < pafNumFields {
		return nil, false
	}

	m := &AlignmentRecord{}
	var err error

	m.Query = (*items)[0]
	if m.Query == "" {
		return nil, false
	}

	m.QLen, err = strconv.Atoi((*items)[1])
	if err != nil || m.QLen <= 0 {
		return nil, false
	}
	m.QStart, err = strconv.Atoi((*items)[2])
	if err != nil {
		return nil, false
	}
	m.QEnd, err = strconv.Atoi((*items)[3])
	if err != nil {
		return nil, false
	}

	if (*items)[4] == "" {
		return nil, false
	}
	m.Strand = (*items)[4][0]

	m.Target = (*items)[5]
	if m.Target == "" {
		return nil, false
	}

	m.TLen, err = strconv.Atoi((*items)[6])
	if err != nil {
		return nil, false
	}
	m.TStart, err = strconv.Atoi((*items)[7])
	if err != nil {
		return nil, false
	}
	m.TEnd, err = strconv.Atoi((*items)[8])
	if err != nil {
		return nil, false
	}

	m.Matches, err = strconv.Atoi((*items)[9])
	if err != nil {
		return nil, false
	}
	m.BlockLen, err = strconv.Atoi((*items)[10])
	if err != nil || m.BlockLen <= 0 {
		return nil, false
	}
	m.MapQ, err = strconv.Atoi((*items)[11])
	if err != nil {
		return nil, false
	}

	return m, true
}

// PAFReader lazily streams alignment records from a (gzipped) PAF file,
// preserving file order. Lines with fewer than the required fields are
// skipped and counted, never fatal. Creating a new reader on the same file
// restarts the stream from the beginning.
type PAFReader struct {
	Ch chan *AlignmentRecord

	reader  *breader.BufferedReader
	skipped uint64
	err     error
	done    chan int
}

func NewPAFReader(file string, threads int, chunkSize int) (*PAFReader, error) {
	r := &PAFReader{
		Ch:   make(chan *AlignmentRecord, chunkSize),
		done: make(chan int),
	}

	pool := &sync.Pool{New: func() interface{} {
		tmp := make([]string, pafNumFields+1)
		return &tmp
	}}

	fn := func(line string) (interface{}, bool, error) {
		if line == "" || line[0] == '#' || line[0] == '\n' {
			return nil, false, nil
		}
		if line[len(line)-1] == '\n' {
			line = line[:len(line)-1]
		}

		items := pool.Get().(*[]string)
		m, ok := parsePAFLine(line, items)
		pool.Put(items)
		if !ok {
			atomic.AddUint64(&r.skipped, 1)
			return nil, false, nil
		}
		return m, true, nil
	}

	reader, err := breader.NewBufferedReader(file, threads, chunkSize, fn)
	if err != nil {
		return nil, err
	}
	r.reader = reader

	go func() {
		for chunk := range reader.Ch {
			if chunk.Err != nil {
				r.err = chunk.Err
				reader.Cancel()
				break
			}
			for _, data := range chunk.Data {
				r.Ch <- data.(*AlignmentRecord)
			}
		}
		close(r.Ch)
		r.done <- 1
	}()

	return r, nil
}

// Skipped reports how many malformed lines were dropped. Valid after the
// record channel is drained.
func (r *PAFReader) Skipped() uint64 {
	return atomic.LoadUint64(&r.skipped)
}

// Err returns the first read error, if any. Valid after the record channel
// is drained.
func (r *PAFReader) Err() error {
	<-r.done
	return r.err
}
