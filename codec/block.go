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

// Package codec implements the framed block format shuffle writers emit and
// readers invert. The layout is the LZ4 Java block stream format so files are
// interoperable with JVM-side writers:
//
//	offset 0  : 8 bytes  magic "LZ4Block"
//	offset 8  : 1 byte   (method << 7) | (level & 0x7F); method 0=RAW 1=CSS
//	offset 9  : 4 bytes  compressed length, little-endian
//	offset 13 : 4 bytes  original length, little-endian
//	offset 17 : 4 bytes  xxhash32(original bytes, seed DefaultSeed), little-endian
//	offset 21 : payload
package codec

import (
	"bytes"
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	MagicLength  = 8
	HeaderLength = MagicLength + 1 + 4 + 4 + 4

	CompressionMethodRaw = 0
	CompressionMethodCSS = 1

	// Level is derived from block size: a block of up to
	// 1<<(level+compressionLevelBase) bytes gets that level. Matches the JVM
	// writer's COMPRESSION_LEVEL_BASE.
	compressionLevelBase = 10

	// DefaultSeed seeds the xxhash32 checksum over the uncompressed bytes.
	// Pinned to the seed the JVM block stream uses, so checksums agree with
	// files written there.
	DefaultSeed = 0x9747b28c

	// DefaultMaxBlockSize bounds both directions: the compressor refuses
	// bigger inputs, the decompressor refuses headers claiming more.
	DefaultMaxBlockSize = 1 << 25
)

var Magic = []byte("LZ4Block")

// Decode failure taxonomy. All three are fatal for the block; the reader
// treats any of them like a chunk-fetch failure.
var (
	ErrBadMagic    = errors.New("block does not start with the expected magic")
	ErrBadLength   = errors.New("block length field out of range")
	ErrBadChecksum = errors.New("block checksum mismatch")
)

// maxCompressedLength is the worst-case LZ4 output for a block of length n.
func maxCompressedLength(n int) int {
	return n + n/255 + 16
}

// compressionLevel derives the level byte from the block size.
func compressionLevel(blockSize int) int {
	if blockSize <= 1 {
		return 0
	}
	level := 32 - bits.LeadingZeros32(uint32(blockSize-1)) - compressionLevelBase
	if level < 0 {
		level = 0
	}
	return level
}

type blockHeader struct {
	method        int
	level         int
	compressedLen uint32
	originalLen   uint32
	checksum      uint32
}

func parseHeader(b []byte) (blockHeader, error) {
	if len(b) < HeaderLength {
		return blockHeader{}, errors.Wrapf(ErrBadLength, "need %d header bytes, have %d", HeaderLength, len(b))
	}
	if !bytes.Equal(b[:MagicLength], Magic) {
		return blockHeader{}, ErrBadMagic
	}
	methodAndLevel := b[MagicLength]
	return blockHeader{
		method:        int(methodAndLevel >> 7),
		level:         int(methodAndLevel & 0x7F),
		compressedLen: binary.LittleEndian.Uint32(b[MagicLength+1:]),
		originalLen:   binary.LittleEndian.Uint32(b[MagicLength+5:]),
		checksum:      binary.LittleEndian.Uint32(b[MagicLength+9:]),
	}, nil
}

func writeHeader(b []byte, h blockHeader) {
	copy(b, Magic)
	b[MagicLength] = byte(h.method<<7) | byte(h.level&0x7F)
	binary.LittleEndian.PutUint32(b[MagicLength+1:], h.compressedLen)
	binary.LittleEndian.PutUint32(b[MagicLength+5:], h.originalLen)
	binary.LittleEndian.PutUint32(b[MagicLength+9:], h.checksum)
}
