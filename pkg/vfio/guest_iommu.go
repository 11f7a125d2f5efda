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
)

// GuestIOMMU binds one guest virtual-IOMMU section to a container. In
// shadow mode the binding translates guest IOTLB map/unmap events into host
// map/unmap calls; in nested mode the host walks guest tables directly and
// the binding only propagates invalidations upward.
type GuestIOMMU struct {
	container *Container
	region    IOMMURegion

	// offset translates region-relative IOVAs into address-space IOVAs.
	offset uint64

	n IOTLBNotifier
}

// addGuestIOMMU registers a binding for the IOMMU section and, in shadow
// mode, replays the region's current translations into the host.
func (c *Container) addGuestIOMMU(sec Section, iommu IOMMURegion) error {
	g := &GuestIOMMU{
		container: c,
		region:    iommu,
		offset:    sec.OffsetWithinAddressSpace - sec.OffsetWithinRegion,
	}
	g.n = IOTLBNotifier{
		First: sec.OffsetWithinRegion,
		Last:  sec.OffsetWithinRegion + sec.Size - 1,
	}
	if c.nested {
		// Guest invalidations only; the host walks the guest tables.
		g.n.Events = EventUnmap
		g.n.Notify = g.nestedInvalidate
	} else {
		g.n.Events = EventsAll
		g.n.Notify = g.mapNotify
	}

	if err := iommu.SetPageSizeMask(c.pgSizes); err != nil {
		return err
	}
	if err := iommu.RegisterNotifier(&g.n); err != nil {
		return err
	}
	c.giommus = append(c.giommus, g)

	if g.n.Events&EventMap != 0 {
		iommu.Replay(&g.n)
	}
	return nil
}

// removeGuestIOMMU finds and removes the binding matching the section.
func (c *Container) removeGuestIOMMU(sec Section, iommu IOMMURegion) {
	for i, g := range c.giommus {
		if g.region == iommu && g.n.First == sec.OffsetWithinRegion {
			iommu.UnregisterNotifier(&g.n)
			c.giommus = append(c.giommus[:i], c.giommus[i+1:]...)
			return
		}
	}
}

// nestedInvalidate propagates a guest IOTLB invalidation into the region's
// shadow cache.
func (g *GuestIOMMU) nestedInvalidate(e IOTLBEntry) {
	g.region.PropagateInvalidation(e)
}

// mapNotify handles a shadow-mode IOTLB event: resolve the translation
// under the read guard and mirror it into the host tables. The captured
// host pointer stays valid past the guard because the backend pins mapped
// pages until they are unmapped.
func (g *GuestIOMMU) mapNotify(e IOTLBEntry) {
	c := g.container
	iova := e.IOVA + g.offset

	if !e.TargetSystem {
		c.mgr.log.Error("IOTLB event targets a non-system address space")
		return
	}

	mem := c.mgr.memory
	mem.RLock()
	defer mem.RUnlock()

	if e.Perm != PermNone {
		xlat, ok := mem.Translate(e)
		if !ok {
			return
		}
		if xlat.HasDiscardManager {
			// The guest can grow the pinned set beyond the populated
			// set by mapping discardable memory through its IOMMU;
			// the pages stay pinned until unmapped. RLIMIT_MEMLOCK
			// bounds the damage.
			c.mgr.pinWarn.Warningf("vIOMMU translation covers dynamically populated RAM; pinned memory may exceed the populated set")
		}
		if err := c.DMAMap(iova, e.AddrMask+1, xlat.HostPtr, xlat.ReadOnly); err != nil {
			c.mgr.log.WithFields(logrus.Fields{
				"iova": fmt.Sprintf("0x%x", iova),
				"size": fmt.Sprintf("0x%x", e.AddrMask+1),
			}).WithError(err).Error("IOTLB map failed")
		}
		return
	}

	if err := c.DMAUnmap(iova, e.AddrMask+1); err != nil {
		c.mgr.log.WithFields(logrus.Fields{
			"iova": fmt.Sprintf("0x%x", iova),
			"size": fmt.Sprintf("0x%x", e.AddrMask+1),
		}).WithError(err).Error("IOTLB unmap failed")
	}
}

// dirtyNotify is replayed over a guest IOMMU's current translations during
// a dirty sync: each mapped entry contributes its host dirty bitmap.
func (g *GuestIOMMU) dirtyNotify(e IOTLBEntry) {
	c := g.container
	iova := e.IOVA + g.offset

	if !e.TargetSystem {
		c.mgr.log.Error("IOTLB dirty event targets a non-system address space")
		return
	}

	mem := c.mgr.memory
	mem.RLock()
	defer mem.RUnlock()

	xlat, ok := mem.Translate(e)
	if !ok {
		return
	}
	if err := c.GetDirtyBitmap(iova, e.AddrMask+1, xlat.RAMAddr); err != nil {
		c.mgr.log.WithField("iova", fmt.Sprintf("0x%x", iova)).
			WithError(err).Error("IOTLB dirty bitmap failed")
	}
}

// syncGuestIOMMUDirty replays the section's guest IOMMU translations
// through a transient map-only notifier that harvests dirty bitmaps.
func (c *Container) syncGuestIOMMUDirty(sec Section, iommu IOMMURegion) {
	for _, g := range c.giommus {
		if g.region == iommu && g.n.First == sec.OffsetWithinRegion {
			dn := &IOTLBNotifier{
				Notify: g.dirtyNotify,
				Events: EventMap,
				First:  sec.OffsetWithinRegion,
				Last:   sec.OffsetWithinRegion + sec.Size - 1,
			}
			iommu.Replay(dn)
			return
		}
	}
}
