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

import (
	"fmt"
	"net"
	"reflect"
	"strconv"

	"github.com/JeffreyRichter/enum/enum"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EStorageMode = StorageMode(0)

// StorageMode says where a committed partition's bytes live on the worker.
// Only Disk is served by the remote epoch reader; Memory is reserved for the
// co-located fast path.
type StorageMode uint8

func (StorageMode) Disk() StorageMode   { return StorageMode(0) }
func (StorageMode) Memory() StorageMode { return StorageMode(1) }

func (sm *StorageMode) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(sm), s, true, true)
	if err == nil {
		*sm = val.(StorageMode)
	}
	return err
}

func (sm StorageMode) String() string {
	return enum.StringInt(sm, reflect.TypeOf(sm))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// CommittedPartitionInfo identifies one physical replica ("piece") of a reduce
// partition on one shuffle worker. Produced by the control plane at shuffle
// commit; never mutated afterwards.
type CommittedPartitionInfo struct {
	EpochID    int64
	ReduceID   int32
	Host       string
	Port       int
	Mode       StorageMode
	FilePath   string
	FileLength int64
}

// Address returns the worker's dialable host:port.
func (p CommittedPartitionInfo) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

func (p CommittedPartitionInfo) String() string {
	return fmt.Sprintf("piece[epoch=%d reduce=%d %s %s %s len=%d]",
		p.EpochID, p.ReduceID, p.Address(), p.Mode, p.FilePath, p.FileLength)
}

func (p CommittedPartitionInfo) Validate() error {
	if p.Host == "" {
		return ErrInvalidArgument("piece has empty host")
	}
	if p.Port <= 0 || p.Port > 65535 {
		return ErrInvalidArgument(fmt.Sprintf("piece has invalid port %d", p.Port))
	}
	if p.FilePath == "" {
		return ErrInvalidArgument("piece has empty file path")
	}
	if p.FileLength < 0 {
		return ErrInvalidArgument(fmt.Sprintf("piece has negative file length %d", p.FileLength))
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// PartitionEpoch is one reducer's view over the ordered replicas of its
// partition. All pieces carry identical logical content; slice order defines
// failover priority.
type PartitionEpoch struct {
	ShuffleKey string
	Pieces     []CommittedPartitionInfo
}

// NewPartitionEpoch validates the caller-supplied replica list. An empty piece
// list is legal (the reader is born exhausted), an empty shuffle key is not.
func NewPartitionEpoch(shuffleKey string, pieces []CommittedPartitionInfo) (PartitionEpoch, error) {
	if shuffleKey == "" {
		return PartitionEpoch{}, ErrInvalidArgument("shuffle key must not be empty")
	}
	for _, p := range pieces {
		if err := p.Validate(); err != nil {
			return PartitionEpoch{}, err
		}
	}
	return PartitionEpoch{ShuffleKey: shuffleKey, Pieces: pieces}, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// PartitionLocator is the control-plane surface the caller uses to build an
// epoch's replica list. The reader itself never talks to the control plane;
// callers resolve the pieces up front and hand them over.
type PartitionLocator interface {
	// LocatePartition returns the ordered replicas of one reduce partition,
	// highest failover priority first.
	LocatePartition(shuffleKey string, reduceID int32) ([]CommittedPartitionInfo, error)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// StreamHandle is the worker's acknowledgement that a streaming fetch is in
// progress. Valid until the stream is closed or the transport drops.
type StreamHandle struct {
	StreamID  int64
	NumChunks int
}

func (h StreamHandle) String() string {
	return fmt.Sprintf("stream[id=%d chunks=%d]", h.StreamID, h.NumChunks)
}
