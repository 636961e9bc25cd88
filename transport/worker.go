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
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/Azure/azure-remote-shuffle/common"
)

// FaultPolicy lets a ChunkWorker refuse operations on demand. The production
// worker has no such hook; it exists so read-side retry and failover can be
// exercised against deterministic failures, and so loopback deployments can
// drill failure handling.
type FaultPolicy interface {
	// BeforeOpen may veto an OpenStream for filePath.
	BeforeOpen(filePath string) error
	// BeforeChunk may veto serving chunkIndex of filePath. Called once per
	// fetch attempt, so a policy can count attempts.
	BeforeChunk(filePath string, chunkIndex int) error
}

type noFaults struct{}

func (noFaults) BeforeOpen(string) error       { return nil }
func (noFaults) BeforeChunk(string, int) error { return nil }

// ChunkFaultPolicy fails the first FailFirstN fetch attempts at FailChunkIndex
// of FailFilePath (empty means any file). Attempt counting is internal and
// thread-safe.
type ChunkFaultPolicy struct {
	FailFilePath   string
	FailChunkIndex int
	FailFirstN     int // <0 means fail forever

	mu       sync.Mutex
	attempts int
}

func (p *ChunkFaultPolicy) BeforeOpen(string) error { return nil }

func (p *ChunkFaultPolicy) BeforeChunk(filePath string, chunkIndex int) error {
	if p.FailFilePath != "" && p.FailFilePath != filePath {
		return nil
	}
	if chunkIndex != p.FailChunkIndex {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.FailFirstN < 0 || p.attempts <= p.FailFirstN {
		return errors.Errorf("injected fault on chunk %d (attempt %d)", chunkIndex, p.attempts)
	}
	return nil
}

// Attempts reports how many fetches the policy has seen for its chunk.
func (p *ChunkFaultPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// OpenFaultPolicy refuses every OpenStream for FailFilePath.
type OpenFaultPolicy struct {
	FailFilePath string
}

func (p *OpenFaultPolicy) BeforeOpen(filePath string) error {
	if p.FailFilePath == "" || p.FailFilePath == filePath {
		return errors.Errorf("injected open fault on %s", filePath)
	}
	return nil
}

func (p *OpenFaultPolicy) BeforeChunk(string, int) error { return nil }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type committedFile struct {
	data    []byte
	offsets []int64 // offsets[0]=0 .. offsets[numChunks]=len(data)
}

func (f *committedFile) numChunks() int {
	return len(f.offsets) - 1
}

type workerStream struct {
	file      *committedFile
	filePath  string
	nextIndex int
}

// ChunkWorker is an in-process shuffle worker speaking the chunk-stream
// protocol over committed partition files it holds in memory. It backs the
// read-side tests and rsscat's loopback serve mode; the production worker
// fleet is a separate deployment.
type ChunkWorker struct {
	logger common.ILogger

	mu           sync.Mutex
	files        map[string]*committedFile // key shuffleKey + "\x00" + filePath
	streams      map[int64]*workerStream
	nextStreamID int64
	faults       FaultPolicy

	listener net.Listener
	conns    map[net.Conn]bool
	wg       sync.WaitGroup
	closed   bool

	// counters for assertions in tests and for the serve command's exit log
	opens   int64
	fetches int64
}

func NewChunkWorker(logger common.ILogger) *ChunkWorker {
	return &ChunkWorker{
		logger:  logger,
		files:   make(map[string]*committedFile),
		streams: make(map[int64]*workerStream),
		conns:   make(map[net.Conn]bool),
		faults:  noFaults{},
	}
}

func fileKey(shuffleKey, filePath string) string {
	return shuffleKey + "\x00" + filePath
}

// Commit registers a partition file. chunkOffsets must satisfy the committed
// invariant: first offset 0, non-decreasing, last offset equal to len(data).
func (w *ChunkWorker) Commit(shuffleKey, filePath string, data []byte, chunkOffsets []int64) error {
	if err := validateChunkOffsets(chunkOffsets, int64(len(data))); err != nil {
		return err
	}
	return w.commit(shuffleKey, filePath, data, chunkOffsets)
}

// CommitUnchecked registers a file without validating its chunk metadata.
// Exists so corrupt metadata handling can be exercised; the open-time check
// still runs and fails the stream.
func (w *ChunkWorker) CommitUnchecked(shuffleKey, filePath string, data []byte, chunkOffsets []int64) {
	_ = w.commit(shuffleKey, filePath, data, chunkOffsets)
}

func (w *ChunkWorker) commit(shuffleKey, filePath string, data []byte, chunkOffsets []int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[fileKey(shuffleKey, filePath)] = &committedFile{data: data, offsets: chunkOffsets}
	return nil
}

func validateChunkOffsets(offsets []int64, fileLength int64) error {
	if len(offsets) < 1 || offsets[0] != 0 {
		return common.ErrInvalidArgument("chunk offsets must start at 0")
	}
	for i := 1; i < len(offsets); i++ {
		if offsets[i] < offsets[i-1] {
			return common.ErrInvalidArgument("chunk offsets must be non-decreasing")
		}
	}
	if offsets[len(offsets)-1] != fileLength {
		return common.ErrInvalidArgument(fmt.Sprintf("last chunk offset %d does not equal file length %d", offsets[len(offsets)-1], fileLength))
	}
	return nil
}

// SetFaultPolicy swaps the injectable fault policy; nil restores none.
func (w *ChunkWorker) SetFaultPolicy(p FaultPolicy) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p == nil {
		p = noFaults{}
	}
	w.faults = p
}

// Start listens on listenAddr ("host:0" picks a free port) and serves until
// Close. Returns the bound address.
func (w *ChunkWorker) Start(listenAddr string) (string, error) {
	l, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", errors.Wrapf(err, "worker listen on %s", listenAddr)
	}
	w.mu.Lock()
	w.listener = l
	w.mu.Unlock()

	w.wg.Add(1)
	go w.acceptLoop(l)
	return l.Addr().String(), nil
}

func (w *ChunkWorker) acceptLoop(l net.Listener) {
	defer w.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return // listener closed
		}
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			_ = conn.Close()
			return
		}
		w.conns[conn] = true
		w.mu.Unlock()
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.serveConn(conn)
		}()
	}
}

func (w *ChunkWorker) serveConn(conn net.Conn) {
	defer conn.Close()
	openStreams := make(map[int64]bool) // streams owned by this conn, for cleanup

	defer func() {
		w.mu.Lock()
		for id := range openStreams {
			delete(w.streams, id)
		}
		delete(w.conns, conn)
		w.mu.Unlock()
	}()

	for {
		mt, body, err := readFrame(conn)
		if err != nil {
			return
		}
		switch mt {
		case msgOpenStream:
			req, err := decodeOpenStreamReq(body)
			if err != nil {
				return
			}
			resp, streamID := w.handleOpen(req)
			if streamID >= 0 {
				openStreams[streamID] = true
			}
			if err := w.reply(conn, resp); err != nil {
				return
			}
		case msgFetchChunk:
			req, err := decodeFetchChunkReq(body)
			if err != nil {
				return
			}
			if err := w.reply(conn, w.handleFetch(req)); err != nil {
				return
			}
		case msgCloseStream:
			req, err := decodeCloseStreamReq(body)
			if err != nil {
				return
			}
			w.mu.Lock()
			delete(w.streams, req.streamID)
			w.mu.Unlock()
			delete(openStreams, req.streamID)
			// one-way; no reply
		default:
			return // protocol violation; drop the conn
		}
	}
}

type reply struct {
	mt   messageType
	body []byte
}

func (w *ChunkWorker) reply(conn net.Conn, r reply) error {
	return writeFrame(conn, r.mt, r.body)
}

func openFailure(cause string) (reply, int64) {
	return reply{msgRpcFailure, rpcFailureResp{cause: cause}.encode()}, -1
}

func (w *ChunkWorker) handleOpen(req openStreamReq) (reply, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opens++

	if err := w.faults.BeforeOpen(req.filePath); err != nil {
		return openFailure(err.Error())
	}

	file, ok := w.files[fileKey(req.shuffleKey, req.filePath)]
	if !ok {
		return openFailure(fmt.Sprintf("unknown file %s in shuffle %s", req.filePath, req.shuffleKey))
	}
	if err := validateChunkOffsets(file.offsets, int64(len(file.data))); err != nil {
		return openFailure("corrupt chunk metadata: " + err.Error())
	}
	if req.initChunkIndex < 0 || req.initChunkIndex > file.numChunks() {
		return openFailure(fmt.Sprintf("init chunk index %d out of range [0,%d]", req.initChunkIndex, file.numChunks()))
	}

	w.nextStreamID++
	id := w.nextStreamID
	w.streams[id] = &workerStream{file: file, filePath: req.filePath, nextIndex: req.initChunkIndex}

	if w.logger.ShouldLog(common.LogDebug) {
		w.logger.Log(common.LogDebug, fmt.Sprintf("opened stream %d over %s at chunk %d", id, req.filePath, req.initChunkIndex))
	}
	resp := streamHandleResp{streamID: id, numChunks: file.numChunks()}
	return reply{msgStreamHandle, resp.encode()}, id
}

func chunkFailure(chunkIndex int, cause string) reply {
	return reply{msgChunkError, chunkErrorResp{chunkIndex: chunkIndex, cause: cause}.encode()}
}

func (w *ChunkWorker) handleFetch(req fetchChunkReq) reply {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fetches++

	s, ok := w.streams[req.streamID]
	if !ok {
		return chunkFailure(req.chunkIndex, fmt.Sprintf("unknown stream %d", req.streamID))
	}
	if req.chunkIndex != s.nextIndex {
		return chunkFailure(req.chunkIndex, fmt.Sprintf("chunk %d requested out of order, cursor at %d", req.chunkIndex, s.nextIndex))
	}
	if req.chunkIndex >= s.file.numChunks() {
		return chunkFailure(req.chunkIndex, fmt.Sprintf("chunk index %d out of range", req.chunkIndex))
	}
	if err := w.faults.BeforeChunk(s.filePath, req.chunkIndex); err != nil {
		return chunkFailure(req.chunkIndex, err.Error())
	}

	payload := s.file.data[s.file.offsets[req.chunkIndex]:s.file.offsets[req.chunkIndex+1]]
	s.nextIndex++
	return reply{msgChunkData, chunkDataResp{chunkIndex: req.chunkIndex, payload: payload}.encode()}
}

// OpenCount reports OpenStream RPCs served so far.
func (w *ChunkWorker) OpenCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opens
}

// FetchCount reports chunk fetch RPCs served so far.
func (w *ChunkWorker) FetchCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fetches
}

// Close stops the listener and waits for in-flight connections to drain.
// Idempotent.
func (w *ChunkWorker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	l := w.listener
	for conn := range w.conns {
		_ = conn.Close()
	}
	w.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
	w.wg.Wait()
	return nil
}
