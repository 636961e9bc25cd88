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

// Package reader implements the reducer-side epoch reader: a pull iterator
// over one partition's chunks that retries failed fetches against the same
// replica and fails over to the next replica when a piece is exhausted.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-remote-shuffle/codec"
	"github.com/Azure/azure-remote-shuffle/common"
	"github.com/Azure/azure-remote-shuffle/transport"
)

// EpochReader is the closed set of reader variants over one partition epoch.
// The remote reader below, for pieces on remote workers, is the only variant
// in this package; there is no co-located local-disk reader here.
type EpochReader interface {
	// HasNext is cheap and idempotent: it inspects local state only, never
	// the network. True while the current piece has more chunks or a later
	// piece remains untried.
	HasNext() bool

	// Next returns the next chunk's contents, blocking on I/O. After a
	// successful drain it returns io.EOF; once every replica has failed it
	// returns the terminal exhaustion error (and keeps returning it).
	Next() (*common.ManagedBuffer, error)

	// Close releases the stream and transport resources. Idempotent; it
	// promptly interrupts an in-flight Next.
	Close() error
}

// TryEquals prefixes retry counts in log lines so one search finds every kind
// of retry.
const TryEquals string = "Try="

type remoteEpochReader struct {
	ctx    context.Context
	cancel context.CancelFunc

	shuffleKey string
	pieces     []common.CommittedPartitionInfo
	cfg        Config
	pool       *transport.ClientPool
	slicePool  common.ByteSlicePooler
	dec        *codec.BlockDecompressor
	logger     common.ILogger

	// piece/chunk cursors; owned by the Next loop
	pieceIndex    int
	resumeAt      int // chunk index the next open starts from
	fetchFailures int // failed fetch attempts against the current piece
	cursor        int // next chunk to fetch on the open stream
	opened        bool
	handle        common.StreamHandle

	// client is also touched by Close, hence the lock
	clientMu sync.Mutex
	client   *transport.ChunkStreamClient

	drained     bool
	terminalErr error
	closed      int32
}

// NewRemoteEpochReader builds the remote-disk reader over epoch's replicas.
// The pool is shared, process-wide; the reader owns everything else it opens.
func NewRemoteEpochReader(ctx context.Context, epoch common.PartitionEpoch, cfg Config,
	pool *transport.ClientPool, logger common.ILogger) (EpochReader, error) {

	if epoch.ShuffleKey == "" {
		return nil, common.ErrInvalidArgument("shuffle key must not be empty")
	}
	for _, p := range epoch.Pieces {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	if pool == nil {
		return nil, common.ErrInvalidArgument("client pool must not be nil")
	}
	cfg = cfg.withDefaults()
	if cfg.ChunkFetchFailedRetryMaxTimes < 1 {
		return nil, common.ErrInvalidArgument("chunk fetch retry budget must be at least 1")
	}
	if cfg.LocalChunkFetchEnabled {
		return nil, common.ErrInvalidArgument("the remote reader does not serve local chunk fetch")
	}
	if logger == nil {
		logger = common.NopLogger{}
	}

	rctx, cancel := context.WithCancel(ctx)
	return &remoteEpochReader{
		ctx:        rctx,
		cancel:     cancel,
		shuffleKey: epoch.ShuffleKey,
		pieces:     epoch.Pieces,
		cfg:        cfg,
		pool:       pool,
		slicePool:  pool.SlicePool(),
		dec:        codec.NewBlockDecompressor(),
		logger:     logger,
	}, nil
}

func (r *remoteEpochReader) isClosed() bool {
	return atomic.LoadInt32(&r.closed) == 1
}

func (r *remoteEpochReader) HasNext() bool {
	if r.isClosed() || r.drained || r.terminalErr != nil {
		return false
	}
	if r.opened {
		return r.cursor < r.handle.NumChunks
	}
	return r.pieceIndex < len(r.pieces)
}

func (r *remoteEpochReader) Next() (*common.ManagedBuffer, error) {
	for {
		if r.isClosed() {
			return nil, common.ErrReaderClosed()
		}
		if r.terminalErr != nil {
			return nil, r.terminalErr
		}
		if r.drained {
			return nil, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			return nil, err
		}

		if !r.opened {
			if r.pieceIndex >= len(r.pieces) {
				r.terminalErr = common.ErrEpochExhausted(
					fmt.Sprintf("all %d replicas failed for shuffle %s", len(r.pieces), r.shuffleKey))
				return nil, r.terminalErr
			}
			piece := r.pieces[r.pieceIndex]
			if err := r.openPiece(piece, r.resumeAt); err != nil {
				// Open failures consume no chunk-retry budget: the piece is
				// dead right away and the next replica gets a fresh scan.
				r.logger.Log(common.LogWarning, err.Error())
				r.advancePiece()
				continue
			}
			if r.cursor >= r.handle.NumChunks {
				r.finishPiece() // zero-chunk file
				return nil, io.EOF
			}
		}

		buf, err := r.fetchCurrentChunk()
		if err != nil {
			if common.IsShuffleError(err, common.EShuffleError.InvalidArgument()) {
				return nil, err // programmer error, not a transient fault
			}
			if r.isClosed() {
				return nil, common.ErrReaderClosed()
			}
			r.handleChunkFailure(err)
			continue
		}

		r.cursor++
		if r.cursor == r.handle.NumChunks {
			r.finishPiece()
		}
		return buf, nil
	}
}

// fetchCurrentChunk pulls the chunk at the cursor and, when configured,
// decodes its framed blocks. A decode failure is reported exactly like a
// fetch failure: the replica is suspect either way.
func (r *remoteEpochReader) fetchCurrentChunk() (*common.ManagedBuffer, error) {
	r.clientMu.Lock()
	client := r.client
	r.clientMu.Unlock()
	if client == nil {
		return nil, common.ErrReaderClosed()
	}

	raw, err := client.FetchChunk(r.ctx, r.handle, r.cursor)
	if err != nil {
		if common.IsShuffleError(err, common.EShuffleError.InvalidArgument()) ||
			common.IsShuffleError(err, common.EShuffleError.ReaderClosed()) {
			return nil, err
		}
		return nil, common.NewChunkFetchFailedError(r.cursor, err)
	}
	if !r.cfg.DecodeBlocks {
		return raw, nil
	}

	decoded, err := r.decodeChunk(raw.Bytes())
	raw.Release()
	if err != nil {
		return nil, common.NewChunkFetchFailedError(r.cursor, err)
	}
	return common.NewManagedBuffer(decoded, r.slicePool), nil
}

// decodeChunk splits one chunk into framed blocks (writers cut chunks on
// block boundaries) and concatenates the decoded payloads.
func (r *remoteEpochReader) decodeChunk(raw []byte) ([]byte, error) {
	out := r.slicePool.RentSlice(uint32(len(raw)))[:0]
	br := bytes.NewReader(raw)
	for {
		block, err := r.dec.ReadBlock(br)
		if err == io.EOF {
			return out, nil
		}
		if err == nil {
			var original []byte
			original, err = r.dec.Decompress(block)
			if err == nil {
				out = append(out, original...)
				continue
			}
		}
		r.slicePool.ReturnSlice(out)
		return nil, err
	}
}

// handleChunkFailure is the S1 -> S2 edge: close the stream, burn one unit of
// the piece's retry budget, then either resume from the failed chunk or give
// the piece up.
func (r *remoteEpochReader) handleChunkFailure(err error) {
	piece := r.pieces[r.pieceIndex]
	r.releaseStream()

	r.fetchFailures++
	if r.fetchFailures >= r.cfg.ChunkFetchFailedRetryMaxTimes {
		r.logger.Log(common.LogWarning, fmt.Sprintf(
			"%v. Giving up on %s after %d attempts", err, piece, r.fetchFailures))
		r.advancePiece()
		return
	}

	r.logger.Log(common.LogInfo, fmt.Sprintf(
		"%v. Next try (if any) will be %s%d on %s", err, TryEquals, r.fetchFailures+1, piece))
	r.resumeAt = r.cursor
	r.waitBeforeRetry()
}

func (r *remoteEpochReader) waitBeforeRetry() {
	t := time.NewTimer(r.cfg.ChunkFetchRetryWaitTimes)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
}

// advancePiece is the S3 edge: the next replica is independent, so the scan
// state resets entirely.
func (r *remoteEpochReader) advancePiece() {
	r.pieceIndex++
	r.resumeAt = 0
	r.fetchFailures = 0
}

// openPiece checks a client out of the pool and performs the stream handshake
// starting at initChunkIndex.
func (r *remoteEpochReader) openPiece(piece common.CommittedPartitionInfo, initChunkIndex int) error {
	client, err := r.pool.Checkout(r.ctx, piece.Address())
	if err != nil {
		return common.NewStreamOpenFailedError(piece, err)
	}
	handle, err := client.OpenStream(r.ctx, r.shuffleKey, piece.FilePath, initChunkIndex)
	if err != nil {
		r.pool.Return(client) // Return closes it if the conn is broken
		return common.NewStreamOpenFailedError(piece, err)
	}

	r.clientMu.Lock()
	if r.isClosed() {
		r.clientMu.Unlock()
		client.CloseStream(handle)
		_ = client.Close()
		return common.ErrReaderClosed()
	}
	r.client = client
	r.clientMu.Unlock()

	r.handle = handle
	r.cursor = initChunkIndex
	r.opened = true
	if r.logger.ShouldLog(common.LogDebug) {
		r.logger.Log(common.LogDebug, fmt.Sprintf("opened %s over %s at chunk %d", handle, piece, initChunkIndex))
	}
	return nil
}

// releaseStream closes the current stream (if any) and hands the connection
// back to the pool.
func (r *remoteEpochReader) releaseStream() {
	r.clientMu.Lock()
	client := r.client
	r.client = nil
	r.clientMu.Unlock()

	if client != nil {
		client.CloseStream(r.handle)
		r.pool.Return(client)
	}
	r.opened = false
}

// finishPiece is the S4 edge: every chunk of the piece was delivered.
func (r *remoteEpochReader) finishPiece() {
	r.releaseStream()
	r.drained = true
}

func (r *remoteEpochReader) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	r.cancel()

	r.clientMu.Lock()
	client := r.client
	r.client = nil
	r.clientMu.Unlock()

	if client != nil {
		client.CloseStream(r.handle)
		_ = client.Close() // closing the conn interrupts any in-flight fetch
	}
	return nil
}
