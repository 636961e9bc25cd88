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
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressibleData(n int) []byte {
	return bytes.Repeat([]byte("shuffle-partition-bytes "), n/24+1)[:n]
}

func incompressibleData(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestBlockRoundTrip(t *testing.T) {
	a := assert.New(t)
	c := NewBlockCompressor()
	d := NewBlockDecompressor()

	cases := map[string][]byte{
		"empty":            {},
		"one byte":         {0x42},
		"small":            []byte("hello shuffle"),
		"compressible":     compressibleData(64 * 1024),
		"incompressible":   incompressibleData(4 * 1024),
		"exact block size": compressibleData(1 << 16),
	}
	for name, data := range cases {
		block, err := c.Compress(data)
		require.NoError(t, err, name)

		// the block aliases the compressor's buffer; copy before the next Compress
		block = append([]byte(nil), block...)

		out, err := d.Decompress(block)
		require.NoError(t, err, name)
		a.Equal(data, out, name)
	}
}

func TestBlockCompressionMethodSelection(t *testing.T) {
	a := assert.New(t)
	c := NewBlockCompressor()

	// repetitive data compresses, so it must carry the CSS method bit
	block, err := c.Compress(compressibleData(8 * 1024))
	require.NoError(t, err)
	a.Equal(byte(CompressionMethodCSS), block[MagicLength]>>7)
	a.Less(len(block)-HeaderLength, 8*1024)

	// random data does not, so the encoder falls back to RAW verbatim
	data := incompressibleData(4 * 1024)
	block, err = c.Compress(data)
	require.NoError(t, err)
	a.Equal(byte(CompressionMethodRaw), block[MagicLength]>>7)
	a.Equal(data, block[HeaderLength:])

	// the test-mode flag forces RAW even for compressible input
	c.DisableCompression = true
	block, err = c.Compress(compressibleData(8 * 1024))
	require.NoError(t, err)
	a.Equal(byte(CompressionMethodRaw), block[MagicLength]>>7)
	a.Equal(8*1024, len(block)-HeaderLength)
}

func TestBlockHeaderLayout(t *testing.T) {
	a := assert.New(t)
	c := NewBlockCompressor()
	c.DisableCompression = true

	data := []byte("abcdef")
	block, err := c.Compress(data)
	require.NoError(t, err)

	a.Equal(21, HeaderLength)
	a.Equal([]byte("LZ4Block"), block[:8])
	a.Equal(uint32(len(data)), binary.LittleEndian.Uint32(block[9:13]))  // compressed length
	a.Equal(uint32(len(data)), binary.LittleEndian.Uint32(block[13:17])) // original length
	a.NotZero(binary.LittleEndian.Uint32(block[17:21]))                  // checksum over original bytes

	// level is derived from block size; 6 bytes is well under the base
	a.Equal(byte(0), block[8]&0x7F)
}

func TestCompressionLevelDerivation(t *testing.T) {
	a := assert.New(t)
	a.Equal(0, compressionLevel(0))
	a.Equal(0, compressionLevel(1))
	a.Equal(0, compressionLevel(1024))
	a.Equal(1, compressionLevel(1025))
	a.Equal(1, compressionLevel(2048))
	a.Equal(6, compressionLevel(64*1024))
}

func TestBlockTamperRejection(t *testing.T) {
	a := assert.New(t)
	c := NewBlockCompressor()
	d := NewBlockDecompressor()

	fresh := func() []byte {
		block, err := c.Compress(compressibleData(4 * 1024))
		require.NoError(t, err)
		return append([]byte(nil), block...)
	}

	// bad magic
	block := fresh()
	block[0] ^= 0xFF
	_, err := d.Decompress(block)
	a.True(errors.Is(err, ErrBadMagic))

	// compressed length beyond the payload
	block = fresh()
	binary.LittleEndian.PutUint32(block[9:13], uint32(len(block))) // claims more than present
	_, err = d.Decompress(block)
	a.True(errors.Is(err, ErrBadLength))

	// original length beyond the configured maximum
	block = fresh()
	binary.LittleEndian.PutUint32(block[13:17], DefaultMaxBlockSize+1)
	_, err = d.Decompress(block)
	a.True(errors.Is(err, ErrBadLength))

	// bit-flipped checksum field
	block = fresh()
	for i := 17; i < 21; i++ {
		block[i] ^= 0xFF
	}
	_, err = d.Decompress(block)
	a.True(errors.Is(err, ErrBadChecksum))

	// every single-byte payload flip must be caught by one of the three
	block = fresh()
	for i := HeaderLength; i < len(block); i++ {
		tampered := append([]byte(nil), block...)
		tampered[i] ^= 0x01
		_, err := d.Decompress(tampered)
		a.Errorf(err, "payload byte %d", i)
		a.Truef(errors.Is(err, ErrBadChecksum) || errors.Is(err, ErrBadLength) || errors.Is(err, ErrBadMagic),
			"payload byte %d: unexpected error %v", i, err)
	}

	// raw block whose lengths disagree
	c.DisableCompression = true
	block, err = c.Compress([]byte("raw payload"))
	require.NoError(t, err)
	block = append([]byte(nil), block...)
	c.DisableCompression = false
	binary.LittleEndian.PutUint32(block[13:17], 5)
	_, err = d.Decompress(block)
	a.True(errors.Is(err, ErrBadLength))
}

func TestReadBlockSplitsFrames(t *testing.T) {
	a := assert.New(t)
	c := NewBlockCompressor()
	d := NewBlockDecompressor()

	var stream bytes.Buffer
	originals := [][]byte{
		[]byte(strings.Repeat("first record ", 100)),
		incompressibleData(512),
		{},
	}
	for _, o := range originals {
		block, err := c.Compress(o)
		require.NoError(t, err)
		stream.Write(block)
	}

	r := bytes.NewReader(stream.Bytes())
	for i, want := range originals {
		block, err := d.ReadBlock(r)
		require.NoError(t, err, "block %d", i)
		out, err := d.Decompress(block)
		require.NoError(t, err, "block %d", i)
		a.Equal(want, out, "block %d", i)
	}
	_, err := d.ReadBlock(r)
	a.Equal(io.EOF, err)
}

func TestReadBlockTruncation(t *testing.T) {
	a := assert.New(t)
	c := NewBlockCompressor()
	d := NewBlockDecompressor()

	block, err := c.Compress(compressibleData(1024))
	require.NoError(t, err)

	// cut inside the header
	_, err = d.ReadBlock(bytes.NewReader(block[:HeaderLength-3]))
	a.True(errors.Is(err, ErrBadLength))

	// cut inside the payload
	_, err = d.ReadBlock(bytes.NewReader(block[:len(block)-1]))
	a.True(errors.Is(err, ErrBadLength))
}
