// Copyright © 2017 Microsoft <wastore@microsoft.com>
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
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/azure-remote-shuffle/codec"
	"github.com/Azure/azure-remote-shuffle/common"
	"github.com/Azure/azure-remote-shuffle/reader"
	"github.com/Azure/azure-remote-shuffle/transport"
)

func TestParsePiece(t *testing.T) {
	a := assert.New(t)

	p, err := parsePiece("worker-3:9000:shuffle/part-7.data:4096")
	require.NoError(t, err)
	a.Equal("worker-3", p.Host)
	a.Equal(9000, p.Port)
	a.Equal("shuffle/part-7.data", p.FilePath)
	a.EqualValues(4096, p.FileLength)
	a.Equal(common.EStorageMode.Disk(), p.Mode)

	_, err = parsePiece("worker-3:9000:part")
	a.Error(err)
	_, err = parsePiece("worker-3:nope:part:4096")
	a.Error(err)
	_, err = parsePiece("worker-3:9000:part:many")
	a.Error(err)
	_, err = parsePiece("worker-3:0:part:4096") // invalid port
	a.Error(err)
}

func TestParseManifest(t *testing.T) {
	a := assert.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.txt")
	content := `# reducers of app-1-shuffle-0
3 w1:9000:part-3:100,w2:9000:part-3:100

7 w1:9000:part-7:200
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries, err := parseManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	a.Equal(3, entries[0].reduceID)
	require.Len(t, entries[0].pieces, 2)
	a.Equal("w2", entries[0].pieces[1].Host)
	a.EqualValues(3, entries[0].pieces[0].ReduceID)

	a.Equal(7, entries[1].reduceID)
	require.Len(t, entries[1].pieces, 1)

	require.NoError(t, os.WriteFile(path, []byte("not-a-number w1:9000:p:1\n"), 0644))
	_, err = parseManifest(path)
	a.Error(err)
}

func TestBlockAlignedOffsets(t *testing.T) {
	a := assert.New(t)
	c := codec.NewBlockCompressor()

	var data []byte
	var blockEnds []int64
	for i := 0; i < 10; i++ {
		block, err := c.Compress(make([]byte, 1000))
		require.NoError(t, err)
		data = append(data, block...)
		blockEnds = append(blockEnds, int64(len(data)))
	}

	offsets, err := blockAlignedOffsets(data, 1) // target so small every block is its own chunk
	require.NoError(t, err)
	a.Equal(append([]int64{0}, blockEnds...), offsets)

	offsets, err = blockAlignedOffsets(data, int64(len(data)))
	require.NoError(t, err)
	a.Equal([]int64{0, int64(len(data))}, offsets)

	// every boundary must land on a block boundary
	offsets, err = blockAlignedOffsets(data, int64(len(data)/3))
	require.NoError(t, err)
	for _, o := range offsets[1 : len(offsets)-1] {
		a.Contains(blockEnds, o)
	}

	// a file that is not framed blocks is rejected
	_, err = blockAlignedOffsets([]byte("just some plain bytes that are not framed"), 1024)
	a.Error(err)
}

func TestFetchPartitionLoopback(t *testing.T) {
	a := assert.New(t)

	// frame a small partition and serve it from an in-process worker
	c := codec.NewBlockCompressor()
	var fileBytes, decoded []byte
	offsets := []int64{0}
	for i := 0; i < 6; i++ {
		record := bytes.Repeat([]byte{byte('a' + i)}, 500)
		decoded = append(decoded, record...)
		block, err := c.Compress(record)
		require.NoError(t, err)
		fileBytes = append(fileBytes, block...)
		if (i+1)%2 == 0 {
			offsets = append(offsets, int64(len(fileBytes)))
		}
	}

	worker := transport.NewChunkWorker(common.NopLogger{})
	require.NoError(t, worker.Commit("app-1-shuffle-0", "part-0", fileBytes, offsets))
	addr, err := worker.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = worker.Close() })

	pool := transport.NewClientPool(transport.PoolConfig{}, common.NopLogger{})
	t.Cleanup(pool.Close)

	pieces, err := parsePieces([]string{addr + ":part-0:" + strconv.Itoa(len(fileBytes))})
	require.NoError(t, err)

	fetchOpts.shuffleKey = "app-1-shuffle-0"
	fetchOpts.compress = "zstd"
	t.Cleanup(func() { fetchOpts = fetchOptions{} })

	out := filepath.Join(t.TempDir(), "reduce-0.bin.zst")
	require.NoError(t, fetchPartition(context.Background(), common.NopLogger{}, pool,
		reader.DefaultConfig(), pieces, out))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	a.Equal(decoded, got)
}
