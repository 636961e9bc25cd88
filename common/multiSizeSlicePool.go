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
	"math/bits"
	"sync"
)

// A pool of byte slices
// Like sync.Pool, but strongly-typed to byte slices
type ByteSlicePooler interface {
	RentSlice(desiredLength uint32) []byte
	ReturnSlice(slice []byte)
}

// A pool of byte slices with a sub-pool for each size (in powers of 2) up to
// some pre-specified limit. Sub-pools minimize wastage: chunk sizes vary a lot
// between shuffles, and pooling everything at the max chunk size would waste
// memory on the small ones.
type multiSizeSlicePool struct {
	// safe for concurrent readers once populated
	poolsBySize []*sync.Pool
}

// NewMultiSizeSlicePool creates a slice pool capable of pooling slices up to
// maxSliceLength in size.
func NewMultiSizeSlicePool(maxSliceLength uint32) ByteSlicePooler {
	maxSlotIndex, _ := getSlotInfo(maxSliceLength)
	poolsBySize := make([]*sync.Pool, maxSlotIndex+1)
	for i := 0; i <= maxSlotIndex; i++ {
		poolsBySize[i] = &sync.Pool{}
	}
	return &multiSizeSlicePool{poolsBySize: poolsBySize}
}

func getSlotInfo(exactSliceLength uint32) (slotIndex int, maxCapInSlot int) {
	// slot index is the bit length of the size: the base-2 logarithm rounded
	// down, plus one (0 for 0)
	slotIndex = 32 - bits.LeadingZeros32(exactSliceLength)
	// max cap in slot is the biggest length that maps to this slot index
	maxCapInSlot = (1 << uint(slotIndex)) - 1
	return
}

// RentSlice borrows a slice from the pool (or creates a new one if none of
// suitable capacity is available). The returned slice may contain old data
// from its previous use; callers must fully overwrite it (io.ReadFull or
// equivalent) up to its len.
func (mp *multiSizeSlicePool) RentSlice(desiredSize uint32) []byte {
	slotIndex, maxCapInSlot := getSlotInfo(desiredSize)
	if slotIndex >= len(mp.poolsBySize) {
		// bigger than anything we pool
		return make([]byte, desiredSize)
	}

	pool := mp.poolsBySize[slotIndex]
	if typedSlice, ok := pool.Get().([]byte); ok && cap(typedSlice) >= int(desiredSize) {
		return typedSlice[0:desiredSize]
	}

	return make([]byte, desiredSize, maxCapInSlot)
}

// ReturnSlice returns the slice to its pool.
func (mp *multiSizeSlicePool) ReturnSlice(slice []byte) {
	slotIndex, _ := getSlotInfo(uint32(cap(slice))) // be sure to use capacity, not length, here
	if slotIndex >= len(mp.poolsBySize) {
		return
	}
	mp.poolsBySize[slotIndex].Put(slice) //nolint:staticcheck
}
