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

package vfio

import (
	"fmt"

	"github.com/google/btree"

	"dmamux.dev/dmamux/pkg/memspan"
)

// HostWindow is one valid IOVA range of a container, with the page sizes
// the host IOMMU supports inside it. Windows are disjoint by construction.
type HostWindow struct {
	// First and Last bound the window, inclusive.
	First uint64
	Last  uint64

	// PageSizes is the supported page-size bitmask.
	PageSizes uint64
}

// Span returns the window's address span.
func (w *HostWindow) Span() memspan.Span {
	return memspan.Span{First: w.First, Last: w.Last}
}

func windowLess(a, b *HostWindow) bool { return a.First < b.First }

func newWindowTree() *btree.BTreeG[*HostWindow] {
	return btree.NewG(4, windowLess)
}

// AddWindow registers a valid IOVA range. Overlap with an existing window is
// a host topology error.
func (c *Container) AddWindow(first, last, pageSizes uint64) error {
	w := &HostWindow{First: first, Last: last, PageSizes: pageSizes}
	var conflict *HostWindow
	c.windows.Ascend(func(o *HostWindow) bool {
		if o.Span().Overlaps(w.Span()) {
			conflict = o
			return false
		}
		return true
	})
	if conflict != nil {
		return &ConfigurationError{Msg: fmt.Sprintf(
			"host DMA window [0x%x, 0x%x] overlaps [0x%x, 0x%x]",
			first, last, conflict.First, conflict.Last)}
	}
	c.windows.ReplaceOrInsert(w)
	return nil
}

// DelWindow removes the window exactly bounded by [first, last]. It is an
// error to remove a window that was never added.
func (c *Container) DelWindow(first, last uint64) error {
	probe := &HostWindow{First: first}
	if w, ok := c.windows.Get(probe); ok && w.Last == last {
		c.windows.Delete(probe)
		return nil
	}
	return fmt.Errorf("no host DMA window [0x%x, 0x%x]", first, last)
}

// findWindow returns the window containing s in full, or nil.
func (c *Container) findWindow(s memspan.Span) *HostWindow {
	var found *HostWindow
	c.windows.DescendLessOrEqual(&HostWindow{First: s.First}, func(w *HostWindow) bool {
		if w.Span().ContainsSpan(s) {
			found = w
		}
		return false // Only the rightmost window at or below s.First can contain it.
	})
	return found
}
