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
	"github.com/sirupsen/logrus"

	"dmamux.dev/dmamux/pkg/memspan"
)

// DiscardBinding tracks a section of a dynamically populated region: only
// the populated granules are mapped, and the mapping follows population
// changes reported by the region's discard manager.
type DiscardBinding struct {
	container *Container
	region    Region

	// offsetWithinAddressSpace and size locate the bound section.
	offsetWithinAddressSpace uint64
	size                     uint64

	// granularity is the unit in which the section is mapped and
	// unmapped: a power of two, at least the container's minimum page
	// size.
	granularity uint64

	listener DiscardListener
}

// registerDiscardBinding creates the binding for a section owned by a
// discard manager and registers its listener, which replays the currently
// populated parts into the container.
func (c *Container) registerDiscardBinding(sec Section) {
	rdm := sec.Region.DiscardManager()

	// Corner cases not relevant in practice: a discard-managed section
	// is always host-page-aligned.
	pageSize := c.mgr.hostPageSize
	invariant(memspan.IsAligned(sec.OffsetWithinRegion, pageSize),
		"discard section region offset 0x%x is not page aligned", sec.OffsetWithinRegion)
	invariant(memspan.IsAligned(sec.OffsetWithinAddressSpace, pageSize),
		"discard section address 0x%x is not page aligned", sec.OffsetWithinAddressSpace)
	invariant(memspan.IsAligned(sec.Size, pageSize),
		"discard section size 0x%x is not page aligned", sec.Size)

	b := &DiscardBinding{
		container:                c,
		region:                   sec.Region,
		offsetWithinAddressSpace: sec.OffsetWithinAddressSpace,
		size:                     sec.Size,
		granularity:              rdm.MinGranularity(sec.Region),
	}

	invariant(memspan.IsPowerOfTwo(b.granularity),
		"discard granularity 0x%x is not a power of two", b.granularity)
	invariant(c.pgSizes != 0 && b.granularity >= memspan.MinPageSize(c.pgSizes),
		"discard granularity 0x%x below container page size", b.granularity)

	b.listener = DiscardListener{
		Populate:      b.populate,
		Discard:       b.discard,
		DoubleDiscard: true,
	}
	rdm.RegisterListener(&b.listener, sec)
	c.rdbs = append(c.rdbs, b)

	c.checkMappingBudget()
}

// unregisterDiscardBinding removes the binding matching the section. The
// manager discards the populated parts on unregistration, which unmaps
// them.
func (c *Container) unregisterDiscardBinding(sec Section) {
	for i, b := range c.rdbs {
		if b.region == sec.Region &&
			b.offsetWithinAddressSpace == sec.OffsetWithinAddressSpace {
			sec.Region.DiscardManager().UnregisterListener(&b.listener)
			c.rdbs = append(c.rdbs[:i], c.rdbs[i+1:]...)
			return
		}
	}
	invariant(false, "no discard binding for region %s at 0x%x",
		sec.Region.Name(), sec.OffsetWithinAddressSpace)
}

// populate maps a newly populated section granule by granule, in
// increasing address order, so it can later be unmapped at the same
// granularity. Either the whole section ends up mapped or none of it.
func (b *DiscardBinding) populate(sec Section) error {
	c := b.container
	end := sec.OffsetWithinRegion + sec.Size

	for start := sec.OffsetWithinRegion; start < end; {
		next := memspan.AlignUp(start+1, b.granularity)
		if next > end {
			next = end
		}

		iova := start - sec.OffsetWithinRegion + sec.OffsetWithinAddressSpace
		hostPtr := sec.Region.RAMPointer(start)

		if err := c.DMAMap(iova, next-start, hostPtr, sec.ReadOnly); err != nil {
			b.discard(sec)
			return err
		}
		start = next
	}
	return nil
}

// discard unmaps a discarded section with a single call.
func (b *DiscardBinding) discard(sec Section) {
	c := b.container
	if err := c.DMAUnmap(sec.OffsetWithinAddressSpace, sec.Size); err != nil {
		c.mgr.log.WithError(err).Error("discard unmap failed")
	}
}

// syncDiscardDirty harvests dirty bitmaps for the populated parts of a
// discard-managed section. Each populated run is synced in one go, since
// it corresponds to the mapped parts.
func (c *Container) syncDiscardDirty(sec Section) error {
	for _, b := range c.rdbs {
		if b.region == sec.Region &&
			b.offsetWithinAddressSpace == sec.OffsetWithinAddressSpace {
			return sec.Region.DiscardManager().ReplayPopulated(sec, func(s Section) error {
				return c.GetDirtyBitmap(s.OffsetWithinAddressSpace, s.Size,
					s.Region.RAMAddr(s.OffsetWithinRegion))
			})
		}
	}
	invariant(false, "no discard binding to sync for region %s at 0x%x",
		sec.Region.Name(), sec.OffsetWithinAddressSpace)
	return nil
}

// checkMappingBudget estimates whether per-granule mappings across all
// discard bindings could exhaust the backend's mapping count over time.
// Every other section is assumed to consume one mapping, bounded by the
// hypervisor memory slot limit. The check is a heuristic; it only warns.
func (c *Container) checkMappingBudget() {
	if c.dmaMaxMappings == 0 {
		return
	}

	var granules, bindings uint64
	for _, b := range c.rdbs {
		start := memspan.AlignDown(b.offsetWithinAddressSpace, b.granularity)
		end := memspan.AlignUp(b.offsetWithinAddressSpace+b.size, b.granularity)
		granules += (end - start) / b.granularity
		bindings++
	}

	if granules+uint64(c.mgr.maxMemslots)-bindings > uint64(c.dmaMaxMappings) {
		c.mgr.log.WithFields(logrus.Fields{
			"max_mappings": c.dmaMaxMappings,
			"max_memslots": c.mgr.maxMemslots,
		}).Warning("possibly running out of DMA mappings; consider a larger discard block size")
	}
}
