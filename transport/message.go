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

// Package transport carries the chunk-stream protocol between reducers and
// shuffle workers: an OpenStream handshake followed by chunk-index-addressed
// pulls of file segments. Messages ride in length-prefixed frames; all
// integers are little-endian to match the block codec.
package transport

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type messageType uint8

const (
	msgOpenStream messageType = iota + 1
	msgStreamHandle
	msgRpcFailure
	msgFetchChunk
	msgChunkData
	msgChunkError
	msgCloseStream
)

// maxFrameLength bounds a single frame; a worker never produces chunks bigger
// than this and a client refusing larger frames cannot be made to allocate
// unboundedly by a bad peer.
const maxFrameLength = 1 << 27

var errFrameTooLarge = errors.New("frame exceeds maximum length")

// writeFrame sends one length-prefixed message: u32 length, u8 type, body.
func writeFrame(w io.Writer, mt messageType, body []byte) error {
	var prefix [5]byte
	binary.LittleEndian.PutUint32(prefix[:4], uint32(1+len(body)))
	prefix[4] = byte(mt)
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one message off the wire.
func readFrame(r io.Reader) (messageType, []byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 || length > maxFrameLength {
		return 0, nil, errors.Wrapf(errFrameTooLarge, "%d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return messageType(payload[0]), payload[1:], nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// body encoding helpers

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

type bodyReader struct {
	b   []byte
	err error
}

func (r *bodyReader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 4 {
		r.err = errors.New("short message body")
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v
}

func (r *bodyReader) int64() int64 {
	if r.err != nil {
		return 0
	}
	if len(r.b) < 8 {
		r.err = errors.New("short message body")
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(r.b))
	r.b = r.b[8:]
	return v
}

func (r *bodyReader) str() string {
	n := r.uint32()
	if r.err != nil {
		return ""
	}
	if uint32(len(r.b)) < n {
		r.err = errors.New("short message body")
		return ""
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s
}

// rest hands back whatever follows the fixed fields (chunk payloads).
func (r *bodyReader) rest() []byte {
	return r.b
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type openStreamReq struct {
	shuffleKey     string
	filePath       string
	initChunkIndex int
}

func (m openStreamReq) encode() []byte {
	b := appendString(nil, m.shuffleKey)
	b = appendString(b, m.filePath)
	return appendUint32(b, uint32(m.initChunkIndex))
}

func decodeOpenStreamReq(body []byte) (openStreamReq, error) {
	r := &bodyReader{b: body}
	m := openStreamReq{
		shuffleKey: r.str(),
		filePath:   r.str(),
	}
	m.initChunkIndex = int(r.uint32())
	return m, r.err
}

type streamHandleResp struct {
	streamID  int64
	numChunks int
}

func (m streamHandleResp) encode() []byte {
	b := appendInt64(nil, m.streamID)
	return appendUint32(b, uint32(m.numChunks))
}

func decodeStreamHandleResp(body []byte) (streamHandleResp, error) {
	r := &bodyReader{b: body}
	m := streamHandleResp{streamID: r.int64()}
	m.numChunks = int(r.uint32())
	return m, r.err
}

type rpcFailureResp struct {
	cause string
}

func (m rpcFailureResp) encode() []byte {
	return appendString(nil, m.cause)
}

func decodeRpcFailureResp(body []byte) (rpcFailureResp, error) {
	r := &bodyReader{b: body}
	m := rpcFailureResp{cause: r.str()}
	return m, r.err
}

type fetchChunkReq struct {
	streamID   int64
	chunkIndex int
}

func (m fetchChunkReq) encode() []byte {
	b := appendInt64(nil, m.streamID)
	return appendUint32(b, uint32(m.chunkIndex))
}

func decodeFetchChunkReq(body []byte) (fetchChunkReq, error) {
	r := &bodyReader{b: body}
	m := fetchChunkReq{streamID: r.int64()}
	m.chunkIndex = int(r.uint32())
	return m, r.err
}

type chunkDataResp struct {
	chunkIndex int
	payload    []byte
}

func (m chunkDataResp) encode() []byte {
	b := appendUint32(nil, uint32(m.chunkIndex))
	return append(b, m.payload...)
}

func decodeChunkDataResp(body []byte) (chunkDataResp, error) {
	r := &bodyReader{b: body}
	m := chunkDataResp{chunkIndex: int(r.uint32())}
	m.payload = r.rest()
	return m, r.err
}

type chunkErrorResp struct {
	chunkIndex int
	cause      string
}

func (m chunkErrorResp) encode() []byte {
	b := appendUint32(nil, uint32(m.chunkIndex))
	return appendString(b, m.cause)
}

func decodeChunkErrorResp(body []byte) (chunkErrorResp, error) {
	r := &bodyReader{b: body}
	m := chunkErrorResp{chunkIndex: int(r.uint32())}
	m.cause = r.str()
	return m, r.err
}

type closeStreamReq struct {
	streamID int64
}

func (m closeStreamReq) encode() []byte {
	return appendInt64(nil, m.streamID)
}

func decodeCloseStreamReq(body []byte) (closeStreamReq, error) {
	r := &bodyReader{b: body}
	m := closeStreamReq{streamID: r.int64()}
	return m, r.err
}
