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

import "fmt"

// ShuffleError carries the terminal error categories the reader surfaces to
// its caller. Transient transport faults never appear as ShuffleErrors; they
// are consumed by the retry/failover machinery.
type ShuffleError struct {
	code          uint64
	msg           string
	additionalInfo string
}

// NewShuffleError composes a ShuffleError from a base category plus context.
func NewShuffleError(base ShuffleError, additionalInfo string) ShuffleError {
	base.additionalInfo = additionalInfo
	return base
}

func (err ShuffleError) ErrorCode() uint64 {
	return err.code
}

func (lhs ShuffleError) Equals(rhs ShuffleError) bool {
	return lhs.code == rhs.code
}

func (err ShuffleError) Error() string {
	return err.msg + err.additionalInfo
}

var EShuffleError ShuffleError

func (err ShuffleError) InvalidArgument() ShuffleError {
	return ShuffleError{uint64(1), "Invalid argument. ", ""}
}

func (err ShuffleError) ReaderClosed() ShuffleError {
	return ShuffleError{uint64(2), "Epoch reader is closed. ", ""}
}

func (err ShuffleError) EpochExhausted() ShuffleError {
	return ShuffleError{uint64(3), "All replicas of the partition failed. ", ""}
}

func ErrInvalidArgument(msg string) ShuffleError {
	return NewShuffleError(EShuffleError.InvalidArgument(), msg)
}

func ErrReaderClosed() ShuffleError {
	return EShuffleError.ReaderClosed()
}

func ErrEpochExhausted(msg string) ShuffleError {
	return NewShuffleError(EShuffleError.EpochExhausted(), msg)
}

// IsShuffleError reports whether err (or its root cause) is a ShuffleError of
// the same category as base.
func IsShuffleError(err error, base ShuffleError) bool {
	se, ok := Cause(err).(ShuffleError)
	return ok && se.Equals(base)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// StreamOpenFailedError reports a failed OpenStream handshake against one
// piece. Transport failures, unknown shuffle keys/files and corrupt chunk
// metadata all land here; the reader fails the piece over without consuming
// chunk-retry budget.
type StreamOpenFailedError struct {
	Piece CommittedPartitionInfo
	cause error
}

func NewStreamOpenFailedError(piece CommittedPartitionInfo, cause error) *StreamOpenFailedError {
	return &StreamOpenFailedError{Piece: piece, cause: cause}
}

func (e *StreamOpenFailedError) Error() string {
	return fmt.Sprintf("open stream failed on %s: %v", e.Piece, e.cause)
}

func (e *StreamOpenFailedError) Cause() error  { return e.cause }
func (e *StreamOpenFailedError) Unwrap() error { return e.cause }

// ChunkFetchFailedError reports a failed chunk pull mid-stream. Subject to
// same-piece retry up to the configured budget.
type ChunkFetchFailedError struct {
	ChunkIndex int
	cause      error
}

func NewChunkFetchFailedError(chunkIndex int, cause error) *ChunkFetchFailedError {
	return &ChunkFetchFailedError{ChunkIndex: chunkIndex, cause: cause}
}

func (e *ChunkFetchFailedError) Error() string {
	return fmt.Sprintf("fetch of chunk %d failed: %v", e.ChunkIndex, e.cause)
}

func (e *ChunkFetchFailedError) Cause() error  { return e.cause }
func (e *ChunkFetchFailedError) Unwrap() error { return e.cause }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type causer interface {
	Cause() error
}

// Cause walks all the preceding errors and return the originating error.
func Cause(err error) error {
	for err != nil {
		cause, ok := err.(causer)
		if !ok {
			break
		}
		err = cause.Cause()
	}
	return err
}

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}
