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
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pierrec/xxHash/xxHash32"
	"github.com/pkg/errors"
)

// BlockDecompressor inverts BlockCompressor. Stateless apart from its limits,
// so one instance may be shared by concurrent readers.
type BlockDecompressor struct {
	maxCompressedLength uint32
	maxOriginalLength   uint32
}

func NewBlockDecompressor() *BlockDecompressor {
	return &BlockDecompressor{
		maxCompressedLength: uint32(maxCompressedLength(DefaultMaxBlockSize)),
		maxOriginalLength:   DefaultMaxBlockSize,
	}
}

func (d *BlockDecompressor) checkHeader(h blockHeader) error {
	if h.compressedLen > d.maxCompressedLength {
		return errors.Wrapf(ErrBadLength, "compressed length %d exceeds limit %d", h.compressedLen, d.maxCompressedLength)
	}
	if h.originalLen > d.maxOriginalLength {
		return errors.Wrapf(ErrBadLength, "original length %d exceeds limit %d", h.originalLen, d.maxOriginalLength)
	}
	if h.method == CompressionMethodRaw && h.compressedLen != h.originalLen {
		return errors.Wrapf(ErrBadLength, "raw block lengths disagree: %d vs %d", h.compressedLen, h.originalLen)
	}
	return nil
}

// Decompress decodes exactly one framed block and returns the original bytes.
// Fails with ErrBadMagic, ErrBadLength or ErrBadChecksum (possibly wrapped).
func (d *BlockDecompressor) Decompress(block []byte) ([]byte, error) {
	h, err := parseHeader(block)
	if err != nil {
		return nil, err
	}
	if err := d.checkHeader(h); err != nil {
		return nil, err
	}
	if uint32(len(block)-HeaderLength) != h.compressedLen {
		return nil, errors.Wrapf(ErrBadLength, "payload is %d bytes, header claims %d", len(block)-HeaderLength, h.compressedLen)
	}
	payload := block[HeaderLength:]

	var original []byte
	switch h.method {
	case CompressionMethodRaw:
		original = make([]byte, h.originalLen)
		copy(original, payload)
	case CompressionMethodCSS:
		original = make([]byte, h.originalLen)
		n, err := lz4.UncompressBlock(payload, original)
		if err != nil {
			// corrupt compressed stream; same severity as a checksum failure
			return nil, errors.Wrapf(ErrBadChecksum, "lz4 decompression failed: %v", err)
		}
		if uint32(n) != h.originalLen {
			return nil, errors.Wrapf(ErrBadLength, "decompressed to %d bytes, header claims %d", n, h.originalLen)
		}
	}

	if sum := xxHash32.Checksum(original, DefaultSeed); sum != h.checksum {
		return nil, errors.Wrapf(ErrBadChecksum, "got %08x, header claims %08x", sum, h.checksum)
	}
	return original, nil
}

// ReadBlock reads one whole framed block (header plus payload) off r. Returns
// io.EOF at a clean block boundary; a truncated block is ErrBadLength.
func (d *BlockDecompressor) ReadBlock(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(ErrBadLength, "truncated block header")
	}
	h, err := parseHeader(header)
	if err != nil {
		return nil, err
	}
	if err := d.checkHeader(h); err != nil {
		return nil, err
	}

	block := make([]byte, HeaderLength+int(h.compressedLen))
	copy(block, header)
	if _, err := io.ReadFull(r, block[HeaderLength:]); err != nil {
		return nil, errors.Wrap(ErrBadLength, "truncated block payload")
	}
	return block, nil
}
