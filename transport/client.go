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
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Azure/azure-remote-shuffle/common"
)

// ChunkStreamClient drives the chunk-stream protocol over one worker
// connection. Requests are strictly request/response, which matches the
// reader's single-threaded pull loop; one client serves one caller at a time.
type ChunkStreamClient struct {
	conn       net.Conn
	addr       string
	clientID   uuid.UUID
	rpcTimeout time.Duration
	slicePool  common.ByteSlicePooler
	limiter    common.FetchLimiter
	logger     common.ILogger

	// expected next chunk index for the currently open stream; the server
	// enforces ordering too, but catching a rewind locally turns a protocol
	// violation into an immediate programmer error
	expectedIndex int
	streamOpen    bool
	handle        common.StreamHandle

	broken int32 // set once the conn can no longer be trusted for reuse
	closed int32
}

func dialChunkStreamClient(ctx context.Context, addr string, rpcTimeout time.Duration,
	slicePool common.ByteSlicePooler, limiter common.FetchLimiter, logger common.ILogger) (*ChunkStreamClient, error) {

	dialer := net.Dialer{Timeout: rpcTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing shuffle worker %s", addr)
	}
	c := &ChunkStreamClient{
		conn:       conn,
		addr:       addr,
		clientID:   uuid.New(),
		rpcTimeout: rpcTimeout,
		slicePool:  slicePool,
		limiter:    limiter,
		logger:     logger,
	}
	if logger.ShouldLog(common.LogDebug) {
		logger.Log(common.LogDebug, fmt.Sprintf("client %s connected to %s", c.clientID.String()[:8], addr))
	}
	return c, nil
}

func (c *ChunkStreamClient) markBroken() {
	atomic.StoreInt32(&c.broken, 1)
}

func (c *ChunkStreamClient) isBroken() bool {
	return atomic.LoadInt32(&c.broken) == 1
}

// deadline applies the per-RPC timeout, tightened by the context if it expires
// sooner. Closing the conn (reader Close) also interrupts any blocked I/O.
func (c *ChunkStreamClient) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.rpcTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

func (c *ChunkStreamClient) roundTrip(ctx context.Context, mt messageType, body []byte) (messageType, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		c.markBroken()
		return 0, nil, err
	}
	if err := writeFrame(c.conn, mt, body); err != nil {
		c.markBroken()
		return 0, nil, err
	}
	respType, respBody, err := readFrame(c.conn)
	if err != nil {
		c.markBroken()
		return 0, nil, err
	}
	return respType, respBody, nil
}

// OpenStream performs the stream handshake for (shuffleKey, filePath) starting
// at initChunkIndex. Failures come back as the underlying cause; the reader,
// which knows which replica this client points at, wraps them into a
// StreamOpenFailedError carrying the piece identity.
func (c *ChunkStreamClient) OpenStream(ctx context.Context, shuffleKey, filePath string, initChunkIndex int) (common.StreamHandle, error) {
	req := openStreamReq{shuffleKey: shuffleKey, filePath: filePath, initChunkIndex: initChunkIndex}
	respType, respBody, err := c.roundTrip(ctx, msgOpenStream, req.encode())
	if err != nil {
		return common.StreamHandle{}, err
	}

	switch respType {
	case msgStreamHandle:
		m, err := decodeStreamHandleResp(respBody)
		if err != nil {
			c.markBroken()
			return common.StreamHandle{}, err
		}
		c.streamOpen = true
		c.expectedIndex = initChunkIndex
		c.handle = common.StreamHandle{StreamID: m.streamID, NumChunks: m.numChunks}
		return c.handle, nil
	case msgRpcFailure:
		m, err := decodeRpcFailureResp(respBody)
		if err != nil {
			c.markBroken()
			return common.StreamHandle{}, err
		}
		// conn stays healthy: the worker answered, it just said no
		return common.StreamHandle{}, errors.Errorf("worker %s refused stream over %s: %s", c.addr, filePath, m.cause)
	default:
		c.markBroken()
		return common.StreamHandle{}, errors.Errorf("unexpected reply %d to OpenStream", respType)
	}
}

// FetchChunk pulls the chunk at chunkIndex on the open stream. Chunks must be
// requested in strictly increasing order starting at the index declared at
// open time; anything else is a bug in the caller, not a transient fault.
func (c *ChunkStreamClient) FetchChunk(ctx context.Context, handle common.StreamHandle, chunkIndex int) (*common.ManagedBuffer, error) {
	if !c.streamOpen || handle.StreamID != c.handle.StreamID {
		return nil, common.ErrInvalidArgument(fmt.Sprintf("fetch on %s which is not open on this client", handle))
	}
	if chunkIndex != c.expectedIndex {
		return nil, common.ErrInvalidArgument(fmt.Sprintf("fetch of chunk %d out of order, expected %d", chunkIndex, c.expectedIndex))
	}

	if c.limiter != nil {
		if err := c.limiter.AcquireFetchSlot(ctx); err != nil {
			return nil, err
		}
		defer c.limiter.ReleaseFetchSlot()
	}

	req := fetchChunkReq{streamID: handle.StreamID, chunkIndex: chunkIndex}
	respType, respBody, err := c.roundTrip(ctx, msgFetchChunk, req.encode())
	if err != nil {
		return nil, err
	}

	switch respType {
	case msgChunkData:
		m, err := decodeChunkDataResp(respBody)
		if err != nil {
			c.markBroken()
			return nil, err
		}
		if m.chunkIndex != chunkIndex {
			c.markBroken()
			return nil, errors.Errorf("worker sent chunk %d, wanted %d", m.chunkIndex, chunkIndex)
		}
		c.expectedIndex++
		data := c.slicePool.RentSlice(uint32(len(m.payload)))
		copy(data, m.payload)
		return common.NewManagedBuffer(data, c.slicePool), nil
	case msgChunkError:
		m, err := decodeChunkErrorResp(respBody)
		if err != nil {
			c.markBroken()
			return nil, err
		}
		return nil, errors.Errorf("worker %s failed chunk %d: %s", c.addr, chunkIndex, m.cause)
	default:
		c.markBroken()
		return nil, errors.Errorf("unexpected reply %d to FetchChunk", respType)
	}
}

// CloseStream releases the worker-side iterator state. Best effort and
// idempotent: it never reports an error, because the caller is done with the
// stream whatever happens here.
func (c *ChunkStreamClient) CloseStream(handle common.StreamHandle) {
	if !c.streamOpen || handle.StreamID != c.handle.StreamID {
		return
	}
	c.streamOpen = false
	if c.isBroken() {
		return // the conn is gone, and so is the worker's stream state with it
	}
	_ = c.conn.SetDeadline(time.Now().Add(c.rpcTimeout))
	if err := writeFrame(c.conn, msgCloseStream, closeStreamReq{streamID: handle.StreamID}.encode()); err != nil {
		c.markBroken()
	}
}

// Close tears down the connection. Interrupts any in-flight round trip.
func (c *ChunkStreamClient) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.conn.Close()
}
