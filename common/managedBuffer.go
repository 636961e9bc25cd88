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

import "sync/atomic"

// ManagedBuffer hands one chunk's bytes to a caller, transferring ownership of
// the underlying (usually pooled) memory. The caller must Release it when done;
// until then the bytes are stable.
type ManagedBuffer struct {
	data     []byte
	pool     ByteSlicePooler
	released int32
}

// NewManagedBuffer wraps data. pool may be nil for unpooled memory, in which
// case Release just drops the reference.
func NewManagedBuffer(data []byte, pool ByteSlicePooler) *ManagedBuffer {
	return &ManagedBuffer{data: data, pool: pool}
}

// Bytes is valid until Release.
func (b *ManagedBuffer) Bytes() []byte {
	return b.data
}

func (b *ManagedBuffer) Len() int {
	return len(b.data)
}

// Release returns the backing memory to its pool. Safe to call more than once;
// only the first call has any effect.
func (b *ManagedBuffer) Release() {
	if b == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&b.released, 0, 1) {
		return
	}
	if b.pool != nil {
		b.pool.ReturnSlice(b.data)
	}
	b.data = nil
}
