// Copyright 2026 The dmamux Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memspan provides arithmetic on 64-bit address spans.
//
// Spans are inclusive on both ends so that a span may cover the entire
// 64-bit space, which an exclusive end cannot express. As a consequence,
// sizes follow a wrap-to-zero convention: a size of 0 denotes 2^64 bytes.
package memspan

import "math/bits"

// Span is an inclusive range of 64-bit addresses. The zero Span covers the
// single address 0.
type Span struct {
	First uint64
	Last  uint64
}

// FromSize returns the span starting at start covering size bytes. A size of
// 0 denotes 2^64 bytes and is only valid with start == 0. The second return
// value is false if the span would wrap past the top of the address space.
func FromSize(start, size uint64) (Span, bool) {
	if size == 0 {
		if start != 0 {
			return Span{}, false
		}
		return Span{0, ^uint64(0)}, true
	}
	last := start + size - 1
	if last < start {
		return Span{}, false
	}
	return Span{start, last}, true
}

// Size returns the number of bytes covered. A return of 0 denotes 2^64.
func (s Span) Size() uint64 {
	return s.Last - s.First + 1
}

// Contains returns true if addr lies within s.
func (s Span) Contains(addr uint64) bool {
	return s.First <= addr && addr <= s.Last
}

// ContainsSpan returns true if o lies entirely within s.
func (s Span) ContainsSpan(o Span) bool {
	return s.First <= o.First && o.Last <= s.Last
}

// Overlaps returns true if s and o share at least one address.
func (s Span) Overlaps(o Span) bool {
	return s.First <= o.Last && o.First <= s.Last
}

// AlignDown rounds x down to a multiple of align, which must be a power of
// two.
func AlignDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

// AlignUp rounds x up to a multiple of align, which must be a power of two.
// The result wraps to 0 if x rounds past the top of the address space.
func AlignUp(x, align uint64) uint64 {
	return AlignDown(x+align-1, align)
}

// IsAligned returns true if x is a multiple of align, which must be a power
// of two.
func IsAligned(x, align uint64) bool {
	return x&(align-1) == 0
}

// IsPowerOfTwo returns true if x is a non-zero power of two.
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// MinPageSize returns the smallest page size in a page-size bitmask: the
// value of its lowest set bit. mask must be non-zero.
func MinPageSize(mask uint64) uint64 {
	return uint64(1) << uint(bits.TrailingZeros64(mask))
}

// Clip shrinks the range [offset, offset+size) to page boundaries: the start
// is rounded up and the end rounded down to multiples of pageSize. size
// follows the wrap-to-zero convention. The second return value is false if
// nothing remains after clipping.
func Clip(offset, size, pageSize uint64) (Span, bool) {
	// end is exclusive and wraps to 0 when the range reaches the top of
	// the address space.
	end := offset + size
	if size != 0 && end != 0 && end < offset {
		return Span{}, false
	}
	end = AlignDown(end, pageSize)

	start := AlignUp(offset, pageSize)
	if start < offset && start != 0 {
		return Span{}, false
	}
	if start == 0 && offset != 0 {
		// The start rounded past the top.
		return Span{}, false
	}
	if end != 0 && start >= end {
		return Span{}, false
	}
	if end == 0 && size == 0 && offset != 0 {
		return Span{}, false
	}
	return Span{start, end - 1}, true
}
