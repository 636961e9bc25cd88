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

package codec

import (
	"github.com/pierrec/lz4/v4"
	"github.com/pierrec/xxHash/xxHash32"
	"github.com/pkg/errors"
)

// BlockCompressor encodes one framed block at a time. It is single-owner:
// the returned slice aliases the compressor's internal buffer and is only
// valid until the next Compress call; callers serialize access.
type BlockCompressor struct {
	buf          []byte
	lz4          lz4.Compressor
	maxBlockSize int

	// DisableCompression forces the RAW fallback for every block. Used to
	// exercise the raw path; harmless (just bigger files) in production.
	DisableCompression bool
}

func NewBlockCompressor() *BlockCompressor {
	return &BlockCompressor{maxBlockSize: DefaultMaxBlockSize}
}

// Compress frames data into one block: header + LZ4-compressed payload, or
// header + verbatim payload when compression does not pay for itself.
func (c *BlockCompressor) Compress(data []byte) ([]byte, error) {
	n := len(data)
	if n > c.maxBlockSize {
		return nil, errors.Wrapf(ErrBadLength, "block of %d bytes exceeds the %d byte limit", n, c.maxBlockSize)
	}

	required := HeaderLength + maxCompressedLength(n)
	if len(c.buf) < required {
		c.buf = make([]byte, required)
	}

	h := blockHeader{
		level:       compressionLevel(n),
		originalLen: uint32(n),
		checksum:    xxHash32.Checksum(data, DefaultSeed),
	}

	compressedLen := 0
	if !c.DisableCompression {
		zn, err := c.lz4.CompressBlock(data, c.buf[HeaderLength:])
		if err == nil && zn > 0 && zn < n {
			h.method = CompressionMethodCSS
			compressedLen = zn
		}
		// on error or incompressible data we fall through to RAW below
	}
	if h.method == CompressionMethodRaw {
		copy(c.buf[HeaderLength:], data)
		compressedLen = n
	}
	h.compressedLen = uint32(compressedLen)

	writeHeader(c.buf, h)
	return c.buf[:HeaderLength+compressedLen], nil
}
