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

package common

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestLogLevelParse(t *testing.T) {
	a := assert.New(t)

	var level LogLevel
	a.NoError(level.Parse("Info"))
	a.Equal(ELogLevel.Info(), level)
	a.Equal("INFO", level.String())

	a.NoError(level.Parse("debug"))
	a.Equal(ELogLevel.Debug(), level)

	a.Error(level.Parse("loud"))
}

func TestStorageModeParse(t *testing.T) {
	a := assert.New(t)

	var mode StorageMode
	a.NoError(mode.Parse("Disk"))
	a.Equal(EStorageMode.Disk(), mode)
	a.NoError(mode.Parse("memory"))
	a.Equal(EStorageMode.Memory(), mode)
	a.Error(mode.Parse("tape"))
}

func TestShuffleErrorCategories(t *testing.T) {
	a := assert.New(t)

	err := ErrInvalidArgument("empty shuffle key")
	a.True(IsShuffleError(err, EShuffleError.InvalidArgument()))
	a.False(IsShuffleError(err, EShuffleError.ReaderClosed()))
	a.Contains(err.Error(), "empty shuffle key")

	// categories survive pkg/errors wrapping via the Cause walker
	wrapped := errors.Wrap(ErrReaderClosed(), "while iterating")
	a.True(IsShuffleError(wrapped, EShuffleError.ReaderClosed()))

	// and survive our own transient wrappers
	fetchErr := NewChunkFetchFailedError(3, ErrEpochExhausted("everything failed"))
	a.True(IsShuffleError(fetchErr, EShuffleError.EpochExhausted()))
	a.False(IsShuffleError(errors.New("plain"), EShuffleError.EpochExhausted()))
}

func TestStreamOpenFailedErrorWrapsCause(t *testing.T) {
	a := assert.New(t)

	piece := CommittedPartitionInfo{Host: "w1", Port: 9000, FilePath: "f", FileLength: 10}
	inner := errors.New("connection refused")
	err := NewStreamOpenFailedError(piece, inner)
	a.Equal(inner, Cause(err))
	a.Contains(err.Error(), "w1:9000")
	a.Contains(err.Error(), "connection refused")
}

func TestPartitionEpochValidation(t *testing.T) {
	a := assert.New(t)

	good := CommittedPartitionInfo{Host: "w1", Port: 9000, FilePath: "f", FileLength: 10}
	_, err := NewPartitionEpoch("", []CommittedPartitionInfo{good})
	a.True(IsShuffleError(err, EShuffleError.InvalidArgument()))

	// empty piece list is legal: such a reader is simply born exhausted
	epoch, err := NewPartitionEpoch("app-1-shuffle-0", nil)
	a.NoError(err)
	a.Empty(epoch.Pieces)

	bad := good
	bad.Port = 0
	_, err = NewPartitionEpoch("app-1-shuffle-0", []CommittedPartitionInfo{good, bad})
	a.True(IsShuffleError(err, EShuffleError.InvalidArgument()))

	bad = good
	bad.FileLength = -5
	_, err = NewPartitionEpoch("app-1-shuffle-0", []CommittedPartitionInfo{bad})
	a.True(IsShuffleError(err, EShuffleError.InvalidArgument()))
}

func TestManagedBufferRelease(t *testing.T) {
	a := assert.New(t)
	pool := NewMultiSizeSlicePool(1024)

	data := pool.RentSlice(100)
	buf := NewManagedBuffer(data, pool)
	a.Equal(100, buf.Len())

	buf.Release()
	a.Equal(0, buf.Len())
	buf.Release() // second release is a no-op

	var nilBuf *ManagedBuffer
	nilBuf.Release() // nil-safe
}

func TestMultiSizeSlicePool(t *testing.T) {
	a := assert.New(t)
	pool := NewMultiSizeSlicePool(64 * 1024)

	s := pool.RentSlice(1000)
	a.Equal(1000, len(s))
	pool.ReturnSlice(s)

	// a second rent of similar size gets the right length back
	s2 := pool.RentSlice(900)
	a.Equal(900, len(s2))
	pool.ReturnSlice(s2)

	// oversize requests are served unpooled rather than refused
	big := pool.RentSlice(1 << 20)
	a.Equal(1<<20, len(big))
	pool.ReturnSlice(big)
}
