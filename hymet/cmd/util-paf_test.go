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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pafLine = "read1\t1000\t0\t950\t+\tGCF_000005845.2_ASM584v2\t4641652\t100\t1050\t940\t950\t60"

func TestParsePAFLine(t *testing.T) {
	items := make([]string, pafNumFields+1)

	t.Run("valid line", func(t *testing.T) {
		m, ok := parsePAFLine(pafLine, &items)
		require.True(t, ok)

		assert.Equal(t, "read1", m.Query)
		assert.Equal(t, 1000, m.QLen)
		assert.Equal(t, byte('+'), m.Strand)
		assert.Equal(t, "GCF_000005845.2_ASM584v2", m.Target)
		assert.Equal(t, 940, m.Matches)
		assert.Equal(t, 950, m.BlockLen)
		assert.Equal(t, 60, m.MapQ)
	})

	t.Run("extra columns are tolerated", func(t *testing.T) {
		m, ok := parsePAFLine(pafLine+"\ttp:A:P\tcm:i:100", &items)
		require.True(t, ok)
		assert.Equal(t, 60, m.MapQ)
	})

	t.Run("malformed lines are rejected", func(t *testing.T) {
		for _, line := range []string{
			"",
			"read1\t1000",
			"read1\tnot-a-number\t0\t950\t+\tT\t10\t0\t10\t9\t10\t60",
			"read1\t1000\t0\t950\t+\tT\t10\t0\t10\t9\t0\t60",  // zero block length
			"read1\t0\t0\t950\t+\tT\t10\t0\t10\t9\t10\t60",    // zero query length
			"\t1000\t0\t950\t+\tT\t10\t0\t10\t9\t10\t60",      // empty query
			"read1\t1000\t0\t950\t+\t\t10\t0\t10\t9\t10\t60",  // empty target
			"read1\t1000\t0\t950\t+\tT\t10\t0\t10\t9\t10\tqq", // bad mapq
		} {
			_, ok := parsePAFLine(line, &items)
			assert.False(t, ok, "should reject: %q", line)
		}
	})

	t.Run("items buffer is reusable", func(t *testing.T) {
		items := make([]string, pafNumFields+1)
		_, ok := parsePAFLine("short\tline", &items)
		require.False(t, ok)
		m, ok := parsePAFLine(pafLine, &items)
		require.True(t, ok)
		assert.Equal(t, "read1", m.Query)
	})
}

func TestPAFReader(t *testing.T) {
	t.Run("streams records in file order", func(t *testing.T) {
		file := writeTempFile(t, "aln.paf",
			"read1\t1000\t0\t950\t+\tT1\t10000\t0\t950\t940\t950\t60\n"+
				"read2\t500\t0\t400\t-\tT2\t8000\t100\t500\t380\t400\t30\n"+
				"broken line\n"+
				"read3\t200\t0\t200\t+\tT1\t10000\t50\t250\t190\t200\t0\n")

		reader, err := NewPAFReader(file, 2, 10)
		require.NoError(t, err)

		queries := make([]string, 0, 3)
		for m := range reader.Ch {
			queries = append(queries, m.Query)
		}
		require.NoError(t, reader.Err())

		assert.Equal(t, []string{"read1", "read2", "read3"}, queries)
		assert.Equal(t, uint64(1), reader.Skipped())
	})

	t.Run("comment lines are ignored silently", func(t *testing.T) {
		file := writeTempFile(t, "aln.paf",
			"# produced by an aligner\n"+
				"read1\t1000\t0\t950\t+\tT1\t10000\t0\t950\t940\t950\t60\n")

		reader, err := NewPAFReader(file, 1, 10)
		require.NoError(t, err)

		var n int
		for range reader.Ch {
			n++
		}
		require.NoError(t, reader.Err())
		assert.Equal(t, 1, n)
		assert.Equal(t, uint64(0), reader.Skipped())
	})

	t.Run("restarting reads from the beginning", func(t *testing.T) {
		file := writeTempFile(t, "aln.paf",
			"read1\t1000\t0\t950\t+\tT1\t10000\t0\t950\t940\t950\t60\n")

		for i := 0; i < 2; i++ {
			reader, err := NewPAFReader(file, 1, 10)
			require.NoError(t, err)
			var n int
			for range reader.Ch {
				n++
			}
			require.NoError(t, reader.Err())
			assert.Equal(t, 1, n)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewPAFReader("/nonexistent/aln.paf", 1, 10)
		require.Error(t, err)
	})
}
