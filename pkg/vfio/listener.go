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

	"github.com/sirupsen/logrus"

	"dmamux.dev/dmamux/pkg/memspan"
)

// This file implements the memory listener fan-out: guest memory topology
// changes arrive at the AddressSpace and are translated into host map and
// unmap operations on every attached container.

// RegionAdd implements MemoryListener.RegionAdd.
func (s *AddressSpace) RegionAdd(sec Section) {
	// The first container that maps the section becomes the donor for
	// copy-capable siblings in this pass, so the same guest memory is
	// not pinned once per container.
	var donor *Container
	for _, c := range s.containers {
		c.regionAdd(sec, &donor)
	}
}

// RegionDel implements MemoryListener.RegionDel.
func (s *AddressSpace) RegionDel(sec Section) {
	for _, c := range s.containers {
		c.regionDel(sec)
	}
}

// LogGlobalStart implements MemoryListener.LogGlobalStart.
func (s *AddressSpace) LogGlobalStart() {
	for _, c := range s.containers {
		if err := c.SetDirtyTracking(true); err != nil {
			s.mgr.log.WithError(err).Error("failed to start dirty tracking")
		}
	}
}

// LogGlobalStop implements MemoryListener.LogGlobalStop.
func (s *AddressSpace) LogGlobalStop() {
	for _, c := range s.containers {
		if err := c.SetDirtyTracking(false); err != nil {
			s.mgr.log.WithError(err).Error("failed to stop dirty tracking")
		}
	}
}

// LogSync implements MemoryListener.LogSync.
func (s *AddressSpace) LogSync(sec Section) {
	for _, c := range s.containers {
		c.logSync(sec)
	}
}

// skippedSection returns true for sections this container never maps:
// regions that are neither RAM nor IOMMU-backed, protected regions, and
// anything touching the upper half sentinel range. Sizing an enabled 64-bit
// BAR can place spurious sections up there; they are never accessed and lie
// beyond the address width of some IOMMU hardware.
func (c *Container) skippedSection(sec Section) bool {
	return (!sec.Region.IsRAM() && sec.Region.IOMMU() == nil) ||
		sec.Region.IsProtected() ||
		sec.OffsetWithinAddressSpace&(uint64(1)<<63) != 0
}

// misaligned returns true if the section's address-space offset and its
// backing offset disagree modulo the host page size. Such a section cannot
// be mapped at host page granularity.
func (c *Container) misaligned(sec Section) bool {
	mask := c.mgr.hostPageSize - 1
	return sec.OffsetWithinAddressSpace&mask != sec.OffsetWithinRegion&mask
}

func (c *Container) regionAdd(sec Section, donor **Container) {
	if c.skippedSection(sec) {
		c.mgr.log.WithField("region", sec.Region.Name()).
			Debug("region add: skipped")
		return
	}

	if c.misaligned(sec) {
		if !sec.Region.KnownSafeMisalignment() {
			c.mgr.log.WithFields(logrus.Fields{
				"region": sec.Region.Name(),
				"iova":   fmt.Sprintf("0x%x", sec.OffsetWithinAddressSpace),
				"offset": fmt.Sprintf("0x%x", sec.OffsetWithinRegion),
			}).Error("region add: unaligned section cannot be mapped")
		}
		return
	}

	span, ok := memspan.Clip(sec.OffsetWithinAddressSpace, sec.Size, c.mgr.hostPageSize)
	if !ok {
		if sec.Region.IsRAMDevice() {
			c.mgr.log.WithField("region", sec.Region.Name()).
				Debug("region add: sub-page ram device section not mapped")
		}
		return
	}

	if win := c.findWindow(span); win == nil {
		c.failRegion(sec, &MapError{
			IOVA: span.First,
			Size: span.Size(),
			Err:  &ResourceExhaustionError{Resource: "host DMA window", Err: errNoWindow},
		})
		return
	}

	if iommu := sec.Region.IOMMU(); iommu != nil {
		if err := c.addGuestIOMMU(sec, iommu); err != nil {
			c.failRegion(sec, err)
		}
		return
	}

	if err := c.mapRAMSection(donor, sec); err != nil {
		c.failRegion(sec, err)
	}
}

func (c *Container) regionDel(sec Section) {
	if c.skippedSection(sec) {
		return
	}
	if c.misaligned(sec) {
		if !sec.Region.KnownSafeMisalignment() {
			c.mgr.log.WithField("region", sec.Region.Name()).
				Error("region del: unaligned section")
		}
		return
	}

	if iommu := sec.Region.IOMMU(); iommu != nil {
		c.removeGuestIOMMU(sec, iommu)
		// The unmap below flattens whatever individual translations the
		// guest IOMMU had copied into the host tables.
	}

	c.unmapRAMSection(sec)
}

// failRegion applies the mapping failure policy: ram-device sections are
// best-effort, pre-initialization errors fail container construction, and
// anything later means the host and guest views have diverged beyond
// repair.
func (c *Container) failRegion(sec Section, err error) {
	if sec.Region.IsRAMDevice() {
		c.mgr.log.WithField("region", sec.Region.Name()).WithError(err).
			Error("failed to map ram device region; peer-to-peer DMA may not work")
		return
	}
	if !c.initialized {
		c.setError(fmt.Errorf("region %s: %w", sec.Region.Name(), err))
		return
	}
	c.mgr.log.WithField("region", sec.Region.Name()).WithError(err).
		Error("DMA mapping failed after initialization")
	panic(fmt.Sprintf("vfio: DMA mapping failed, unable to continue: %v", err))
}

// mapRAMSection maps a RAM section, delegating dynamically populated
// regions to a discard binding and trying a donor copy before falling back
// to a fresh map.
func (c *Container) mapRAMSection(donor **Container, sec Section) error {
	invariant(sec.Region.IsRAM(), "mapping non-RAM region %s", sec.Region.Name())

	// Dynamically populated regions are mapped granule by granule as
	// the discard manager reports population changes.
	if sec.Region.DiscardManager() != nil {
		c.registerDiscardBinding(sec)
		return nil
	}

	span, ok := memspan.Clip(sec.OffsetWithinAddressSpace, sec.Size, c.mgr.hostPageSize)
	if !ok {
		return nil
	}

	hostPtr := sec.Region.RAMPointer(
		sec.OffsetWithinRegion + (span.First - sec.OffsetWithinAddressSpace))

	win := c.findWindow(span)
	if win == nil {
		return &MapError{
			IOVA: span.First,
			Size: span.Size(),
			Err:  &ResourceExhaustionError{Resource: "host DMA window", Err: errNoWindow},
		}
	}

	if sec.Region.IsRAMDevice() {
		// Device apertures are mapped best-effort: silently skip what
		// the window's page sizes cannot express.
		pgmask := memspan.MinPageSize(win.PageSizes) - 1
		if span.First&pgmask != 0 || span.Size()&pgmask != 0 {
			c.mgr.log.WithField("region", sec.Region.Name()).
				Debug("ram device section not mapped: page size mismatch")
			return nil
		}
	}

	size := span.Size()
	copyOK := c.CheckExtension(FeatureDMACopy)

	if copyOK && donor != nil && *donor != nil && size != 0 && (*donor).conn.FD() == c.conn.FD() {
		if err := dmaCopy(*donor, c, span.First, size, sec.ReadOnly); err == nil {
			return nil
		}
		c.mgr.log.WithField("iova", fmt.Sprintf("0x%x", span.First)).
			Info("dma copy from sibling container failed, falling back to map")
	}

	if size == 0 {
		// The backend cannot express the full 64-bit span in one call;
		// split it in half, mirroring the unmap path.
		half := uint64(1) << 63
		if err := c.DMAMap(span.First, half, hostPtr, sec.ReadOnly); err != nil {
			return err
		}
		if err := c.DMAMap(span.First+half, half, hostPtr+uintptr(half), sec.ReadOnly); err != nil {
			return err
		}
	} else if err := c.DMAMap(span.First, size, hostPtr, sec.ReadOnly); err != nil {
		return err
	}
	if copyOK && donor != nil {
		*donor = c
	}
	return nil
}

// unmapRAMSection removes a RAM section's mappings. Errors are logged only:
// unmap is idempotent and teardown must continue regardless.
func (c *Container) unmapRAMSection(sec Section) {
	span, ok := memspan.Clip(sec.OffsetWithinAddressSpace, sec.Size, c.mgr.hostPageSize)
	if !ok {
		return
	}

	tryUnmap := true
	if sec.Region.IsRAMDevice() {
		win := c.findWindow(span)
		invariant(win != nil, "ram device section [0x%x, 0x%x] lost its host window", span.First, span.Last)
		pgmask := memspan.MinPageSize(win.PageSizes) - 1
		tryUnmap = span.First&pgmask == 0 && span.Size()&pgmask == 0
	} else if sec.Region.DiscardManager() != nil {
		// Unregistering discards the populated parts, which unmaps.
		c.unregisterDiscardBinding(sec)
		tryUnmap = false
	}

	if !tryUnmap {
		return
	}

	iova, size := span.First, span.Size()
	if size == 0 {
		// The backend cannot express the full 64-bit span in one
		// call; split it in half.
		half := uint64(1) << 63
		if err := c.DMAUnmap(iova, half); err != nil {
			c.mgr.log.WithError(err).Error("dma unmap failed")
		}
		iova += half
		size = half
	}
	if err := c.DMAUnmap(iova, size); err != nil {
		c.mgr.log.WithError(err).Error("dma unmap failed")
	}
}

// logSync harvests the dirty state of a section, provided the backend and
// every attached device can track dirty pages.
func (c *Container) logSync(sec Section) {
	if c.skippedSection(sec) || !c.dirtyPagesSupported {
		return
	}
	if !c.devicesAllDirtyTracking() {
		return
	}
	if err := c.syncDirtyBitmap(sec); err != nil {
		c.mgr.log.WithField("region", sec.Region.Name()).WithError(err).
			Error("dirty bitmap sync failed")
	}
}

func (c *Container) syncDirtyBitmap(sec Section) error {
	if iommu := sec.Region.IOMMU(); iommu != nil {
		c.syncGuestIOMMUDirty(sec, iommu)
		return nil
	}
	if sec.Region.DiscardManager() != nil {
		return c.syncDiscardDirty(sec)
	}
	return c.GetDirtyBitmap(
		memspan.AlignUp(sec.OffsetWithinAddressSpace, c.mgr.hostPageSize),
		sec.Size,
		sec.Region.RAMAddr(sec.OffsetWithinRegion))
}

// preregListener primes host translations over system RAM ahead of use, for
// nested-mode containers whose runtime traffic is invalidations only.
type preregListener struct {
	c *Container
}

// RegionAdd implements MemoryListener.RegionAdd.
func (p *preregListener) RegionAdd(sec Section) {
	if !sec.Region.IsRAM() {
		return
	}
	if err := p.c.mapRAMSection(nil, sec); err != nil {
		if !p.c.initialized {
			p.c.setError(fmt.Errorf("region %s: %w", sec.Region.Name(), err))
			return
		}
		p.c.mgr.log.WithField("region", sec.Region.Name()).WithError(err).
			Error("pre-registration map failed")
	}
}

// RegionDel implements MemoryListener.RegionDel.
func (p *preregListener) RegionDel(sec Section) {
	if !sec.Region.IsRAM() {
		return
	}
	p.c.unmapRAMSection(sec)
}

// LogGlobalStart implements MemoryListener.LogGlobalStart.
func (p *preregListener) LogGlobalStart() {}

// LogGlobalStop implements MemoryListener.LogGlobalStop.
func (p *preregListener) LogGlobalStop() {}

// LogSync implements MemoryListener.LogSync.
func (p *preregListener) LogSync(Section) {}
