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

package reader

import "time"

// Config carries the read-side retry knobs.
type Config struct {
	// ChunkFetchFailedRetryMaxTimes is the number of failed fetch attempts
	// against one piece, counted across all of its chunks, after which that
	// piece is given up on; so no chunk is fetched more often than this from
	// one piece. Must be >= 1.
	ChunkFetchFailedRetryMaxTimes int

	// ChunkFetchRetryWaitTimes is slept between attempts. Deliberately a
	// constant, not a backoff: the piece count already bounds total wall time.
	ChunkFetchRetryWaitTimes time.Duration

	// LocalChunkFetchEnabled turns on the co-located fast path, which the
	// remote reader does not implement; it must be left false here.
	LocalChunkFetchEnabled bool

	// DecodeBlocks makes the reader decode each chunk's framed blocks before
	// yielding, so callers receive original bytes and corrupt replicas are
	// caught (and failed over) inside the reader. Off, chunks are yielded as
	// raw framed bytes for a caller-side framing layer.
	DecodeBlocks bool
}

func DefaultConfig() Config {
	return Config{
		ChunkFetchFailedRetryMaxTimes: 3,
		ChunkFetchRetryWaitTimes:      5 * time.Millisecond,
		DecodeBlocks:                  true,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkFetchFailedRetryMaxTimes == 0 {
		c.ChunkFetchFailedRetryMaxTimes = 3
	}
	if c.ChunkFetchRetryWaitTimes == 0 {
		c.ChunkFetchRetryWaitTimes = 5 * time.Millisecond
	}
	return c
}
