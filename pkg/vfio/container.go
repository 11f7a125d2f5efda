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
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"dmamux.dev/dmamux/pkg/memspan"
)

// Container is one host IOMMU translation domain shared by one or more
// devices within a guest address space. It owns the domain's valid-IOVA
// windows, the page-table groups devices attach to, and the bindings that
// keep the host mapping tables synchronized with the guest's view of
// memory.
type Container struct {
	mgr   *Manager
	space *AddressSpace

	conn     Connection
	domainID uint32
	ops      backendOps

	// ownsConn is true when the manager dialed the connection itself
	// and must close it with the container.
	ownsConn bool

	windows *btree.BTreeG[*HostWindow]
	groups  map[uint32]*PageTableGroup
	giommus []*GuestIOMMU
	rdbs    []*DiscardBinding

	// pgSizes is the container's supported page-size bitmask.
	pgSizes uint64

	// dmaMaxMappings is the backend's mapping count limit, 0 if unknown.
	dmaMaxMappings uint32

	dirtyPagesSupported bool

	// nested is true when the host walks guest-owned page tables and
	// only invalidations flow through this container.
	nested     bool
	nestedData PageTableData

	// initialized flips once the container survived its first full
	// topology replay. Mapping errors before that are captured in err
	// and fail construction; after it they are fatal.
	initialized bool
	err         error

	// prereg, when non-nil, is the pre-registration listener priming
	// host translations over system RAM in nested mode.
	prereg *preregListener
}

func newContainer(m *Manager, space *AddressSpace, conn Connection, domainID uint32, ops backendOps) *Container {
	return &Container{
		mgr:                 m,
		space:               space,
		conn:                conn,
		domainID:            domainID,
		ops:                 ops,
		windows:             newWindowTree(),
		groups:              make(map[uint32]*PageTableGroup),
		dmaMaxMappings:      conn.MaxDMAMappings(),
		dirtyPagesSupported: conn.CheckExtension(FeatureDirtyTracking),
	}
}

// CheckExtension reports whether the container's backend variant supports f.
func (c *Container) CheckExtension(f Feature) bool {
	return c.ops.checkExtension(c, f)
}

// DomainID returns the backend translation domain id.
func (c *Container) DomainID() uint32 { return c.domainID }

// Connection returns the backend connection.
func (c *Container) Connection() Connection { return c.conn }

// Nested reports whether the container runs in nested-translation mode.
func (c *Container) Nested() bool { return c.nested }

// DMAMap asks the backend to translate [iova, iova+size) to the host memory
// at hostPtr. The range must lie within a host DMA window and respect its
// page-size mask. size must not be zero.
func (c *Container) DMAMap(iova, size uint64, hostPtr uintptr, readonly bool) error {
	span, ok := memspan.FromSize(iova, size)
	if !ok || size == 0 {
		return &MapError{IOVA: iova, Size: size, Err: unix.EINVAL}
	}
	win := c.findWindow(span)
	if win == nil {
		return &MapError{IOVA: iova, Size: size,
			Err: &ResourceExhaustionError{Resource: "host DMA window", Err: errNoWindow}}
	}
	minPage := memspan.MinPageSize(win.PageSizes)
	if !memspan.IsAligned(iova, minPage) || !memspan.IsAligned(size, minPage) {
		return &MapError{IOVA: iova, Size: size, Err: unix.EINVAL}
	}
	if err := c.ops.mapDMA(c, iova, size, hostPtr, readonly); err != nil {
		return &MapError{IOVA: iova, Size: size, Err: err}
	}
	return nil
}

// DMAUnmap removes translations in [iova, iova+size). Unmapping a range
// that was never mapped is not an error. size must not be zero; spans the
// backend cannot express in one call are split by the caller.
func (c *Container) DMAUnmap(iova, size uint64) error {
	if err := c.ops.unmapDMA(c, iova, size); err != nil {
		return &UnmapError{IOVA: iova, Size: size, Err: err}
	}
	return nil
}

// dmaCopy duplicates the mapping of [iova, iova+size) from src into dst.
// Only valid between containers on the same backend connection.
func dmaCopy(src, dst *Container, iova, size uint64, readonly bool) error {
	return dst.ops.copyDMA(src, dst, iova, size, readonly)
}

// SetDirtyTracking toggles dirty page tracking for the whole domain.
func (c *Container) SetDirtyTracking(enable bool) error {
	return c.conn.SetDirtyTracking(c.domainID, enable)
}

// GetDirtyBitmap harvests the dirty bitmap for [iova, iova+size) and hands
// it to the manager's dirty sink against ramAddr.
func (c *Container) GetDirtyBitmap(iova, size uint64, ramAddr uint64) error {
	bits, err := c.conn.GetDirtyBitmap(c.domainID, iova, size)
	if err != nil {
		return err
	}
	if c.mgr.dirtySink != nil {
		c.mgr.dirtySink.MarkDirty(ramAddr, bits, size)
	}
	return nil
}

// devicesAllDirtyTracking reports whether every device in the container
// supports dirty tracking and is currently being tracked.
func (c *Container) devicesAllDirtyTracking() bool {
	for _, g := range c.groups {
		for _, d := range g.devices {
			if !d.DirtyPagesSupported || !d.DirtyTracking {
				return false
			}
		}
	}
	return true
}

// Reset invokes the reset hooks of every device in the container. Per-device
// failures are logged and the last one returned; teardown never stops early.
func (c *Container) Reset() error {
	var final error
	for _, g := range c.groups {
		for _, d := range g.devices {
			d.Host.ComputeNeedsReset()
			if !d.Host.NeedsReset() {
				continue
			}
			if err := d.Host.HotReset(); err != nil {
				c.mgr.log.WithFields(logrus.Fields{
					"device": d.Name,
				}).WithError(err).Error("device reset failed")
				final = err
			}
		}
	}
	return final
}

// setError captures the first pre-initialization mapping error so container
// construction can fail cleanly.
func (c *Container) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// destroy releases the container's bindings. The page-table group set must
// already be empty; callers free the translation domain afterwards.
func (c *Container) destroy() {
	invariant(len(c.groups) == 0,
		"destroying container with %d page-table groups", len(c.groups))
	if c.prereg != nil {
		c.mgr.systemSpace.UnregisterListener(c.prereg)
		c.prereg = nil
	}
	for _, g := range c.giommus {
		g.region.UnregisterNotifier(&g.n)
	}
	c.giommus = nil
	for _, b := range c.rdbs {
		b.region.DiscardManager().UnregisterListener(&b.listener)
	}
	c.rdbs = nil
	c.windows.Clear(false)
}
