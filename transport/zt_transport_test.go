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

package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/azure-remote-shuffle/common"
)

const testShuffleKey = "app-1-shuffle-0"

func startTestWorker(t *testing.T) (*ChunkWorker, string) {
	t.Helper()
	w := NewChunkWorker(common.NopLogger{})
	addr, err := w.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, addr
}

func newTestPool(t *testing.T) *ClientPool {
	t.Helper()
	p := NewClientPool(PoolConfig{RPCTimeout: 5 * time.Second}, common.NopLogger{})
	t.Cleanup(p.Close)
	return p
}

// evenOffsets cuts data into chunks of at most chunkSize bytes.
func evenOffsets(dataLen, chunkSize int) []int64 {
	offsets := []int64{0}
	for pos := chunkSize; pos < dataLen; pos += chunkSize {
		offsets = append(offsets, int64(pos))
	}
	return append(offsets, int64(dataLen))
}

func TestOpenFetchClose(t *testing.T) {
	a := assert.New(t)
	w, addr := startTestWorker(t)
	pool := newTestPool(t)

	data := bytes.Repeat([]byte("0123456789abcdef"), 64) // 1 KiB
	offsets := evenOffsets(len(data), 256)
	require.NoError(t, w.Commit(testShuffleKey, "part-0", data, offsets))

	ctx := context.Background()
	c, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)

	handle, err := c.OpenStream(ctx, testShuffleKey, "part-0", 0)
	require.NoError(t, err)
	a.Equal(4, handle.NumChunks)

	var got []byte
	for i := 0; i < handle.NumChunks; i++ {
		buf, err := c.FetchChunk(ctx, handle, i)
		require.NoError(t, err)
		got = append(got, buf.Bytes()...)
		buf.Release()
	}
	a.Equal(data, got)

	c.CloseStream(handle)
	c.CloseStream(handle) // idempotent
	pool.Return(c)

	a.EqualValues(1, w.OpenCount())
	a.EqualValues(4, w.FetchCount())
}

func TestOpenStreamResumesMidFile(t *testing.T) {
	a := assert.New(t)
	w, addr := startTestWorker(t)
	pool := newTestPool(t)

	data := bytes.Repeat([]byte("z"), 1000)
	require.NoError(t, w.Commit(testShuffleKey, "part-1", data, evenOffsets(len(data), 100)))

	ctx := context.Background()
	c, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	defer pool.Return(c)

	handle, err := c.OpenStream(ctx, testShuffleKey, "part-1", 7)
	require.NoError(t, err)
	a.Equal(10, handle.NumChunks)

	buf, err := c.FetchChunk(ctx, handle, 7)
	require.NoError(t, err)
	a.Equal(100, buf.Len())
	buf.Release()
	c.CloseStream(handle)
}

func TestOutOfOrderFetchRejectedLocally(t *testing.T) {
	a := assert.New(t)
	w, addr := startTestWorker(t)
	pool := newTestPool(t)

	data := []byte("abcdefgh")
	require.NoError(t, w.Commit(testShuffleKey, "part-2", data, evenOffsets(len(data), 4)))

	ctx := context.Background()
	c, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	defer pool.Return(c)

	handle, err := c.OpenStream(ctx, testShuffleKey, "part-2", 0)
	require.NoError(t, err)

	buf, err := c.FetchChunk(ctx, handle, 0)
	require.NoError(t, err)
	buf.Release()

	// rewinding is a programmer error, caught before any bytes hit the wire
	fetchesBefore := w.FetchCount()
	_, err = c.FetchChunk(ctx, handle, 0)
	a.True(common.IsShuffleError(err, common.EShuffleError.InvalidArgument()))
	a.Equal(fetchesBefore, w.FetchCount())

	// skipping ahead likewise
	_, err = c.FetchChunk(ctx, handle, 5)
	a.True(common.IsShuffleError(err, common.EShuffleError.InvalidArgument()))
	c.CloseStream(handle)
}

func TestOpenUnknownFileFails(t *testing.T) {
	a := assert.New(t)
	_, addr := startTestWorker(t)
	pool := newTestPool(t)

	ctx := context.Background()
	c, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	defer pool.Return(c)

	_, err = c.OpenStream(ctx, testShuffleKey, "no-such-file", 0)
	a.Error(err)
	a.Contains(err.Error(), "unknown file")

	// the worker answered; the connection is still usable
	a.False(c.isBroken())
}

func TestOpenCorruptMetadataFails(t *testing.T) {
	a := assert.New(t)
	w, addr := startTestWorker(t)
	pool := newTestPool(t)

	// last offset disagrees with the data length; Commit would refuse this,
	// so it goes in unchecked and the open-time validation has to catch it
	data := []byte("0123456789")
	w.CommitUnchecked(testShuffleKey, "part-bad", data, []int64{0, 5, 20})

	ctx := context.Background()
	c, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	defer pool.Return(c)

	_, err = c.OpenStream(ctx, testShuffleKey, "part-bad", 0)
	a.Error(err)
	a.Contains(err.Error(), "corrupt chunk metadata")
}

func TestOpenInitIndexOutOfRange(t *testing.T) {
	a := assert.New(t)
	w, addr := startTestWorker(t)
	pool := newTestPool(t)

	data := []byte("0123456789")
	require.NoError(t, w.Commit(testShuffleKey, "part-3", data, evenOffsets(len(data), 5)))

	ctx := context.Background()
	c, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	defer pool.Return(c)

	_, err = c.OpenStream(ctx, testShuffleKey, "part-3", 3)
	a.Error(err)
	a.Contains(err.Error(), "out of range")
}

func TestCommitValidatesOffsets(t *testing.T) {
	a := assert.New(t)
	w := NewChunkWorker(common.NopLogger{})

	data := []byte("0123456789")
	a.Error(w.Commit(testShuffleKey, "p", data, []int64{1, 10}))        // must start at 0
	a.Error(w.Commit(testShuffleKey, "p", data, []int64{0, 7, 3, 10})) // must be non-decreasing
	a.Error(w.Commit(testShuffleKey, "p", data, []int64{0, 9}))        // must end at file length
	a.NoError(w.Commit(testShuffleKey, "p", data, []int64{0, 5, 5, 10}))
}

func TestPoolReusesHealthyClients(t *testing.T) {
	a := assert.New(t)
	w, addr := startTestWorker(t)
	pool := newTestPool(t)

	data := []byte("0123456789")
	require.NoError(t, w.Commit(testShuffleKey, "part-4", data, evenOffsets(len(data), 10)))

	ctx := context.Background()
	c1, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	pool.Return(c1)

	c2, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	a.Same(c1, c2)

	// a broken client must not come back around
	c2.markBroken()
	pool.Return(c2)
	c3, err := pool.Checkout(ctx, addr)
	require.NoError(t, err)
	a.NotSame(c2, c3)
	pool.Return(c3)
}

func TestCheckoutDialFailure(t *testing.T) {
	a := assert.New(t)
	pool := newTestPool(t)

	_, err := pool.Checkout(context.Background(), "127.0.0.1:54321")
	a.Error(err)
}
