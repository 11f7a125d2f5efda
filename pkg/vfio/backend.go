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

// Feature is a backend capability.
type Feature int

// Backend capabilities.
const (
	// FeatureDMACopy: the backend can duplicate an existing mapping
	// between translation domains on the same connection without
	// re-pinning host memory.
	FeatureDMACopy Feature = iota

	// FeatureDirtyTracking: the backend can report pages written through
	// the IOMMU since the last sync.
	FeatureDirtyTracking
)

// PageTableData is an opaque descriptor for a guest-provided nested page
// table configuration. The zero value selects the backend default (a flat
// host-maintained table).
type PageTableData struct {
	Type uint32
	Data []byte
}

// Connection is a handle to a host mapping facility: one open instance of
// the kernel interface that containers allocate translation domains from.
// The ioctl wire encoding behind these calls is the caller's concern; all
// errors are expected to wrap a unix.Errno.
//
// All methods are invoked on the single control thread.
type Connection interface {
	// FD returns the connection's file descriptor, used as its identity.
	FD() int

	// CheckExtension reports whether the connection supports f.
	CheckExtension(f Feature) bool

	// AllocDomain allocates a new translation domain (an IOAS in the
	// modern protocol, a container context in the legacy one).
	AllocDomain() (uint32, error)

	// FreeDomain releases a translation domain.
	FreeDomain(domain uint32)

	// Map establishes a translation of [iova, iova+size) to the host
	// memory at hostPtr. size must not be zero.
	Map(domain uint32, iova, size uint64, hostPtr uintptr, readonly bool) error

	// Unmap removes translations in [iova, iova+size). Unmapping a range
	// with no mappings is not an error. size must not be zero; callers
	// split spans the backend cannot express in one call.
	Unmap(domain uint32, iova, size uint64) error

	// Copy duplicates mappings of [iova, iova+size) from srcDomain into
	// dstDomain without re-pinning host memory.
	Copy(srcDomain, dstDomain uint32, iova, size uint64, readonly bool) error

	// GetDirtyBitmap returns one bit per page written through the IOMMU
	// in [iova, iova+size) since the previous call, LSB first.
	GetDirtyBitmap(domain uint32, iova, size uint64) ([]uint64, error)

	// SetDirtyTracking enables or disables dirty page tracking for the
	// domain.
	SetDirtyTracking(domain uint32, enable bool) error

	// AllocPageTable allocates a hardware page table for a bound device
	// in the given domain and returns its id. data configures nested
	// translation; the zero value selects the default table type.
	AllocPageTable(devID, domain uint32, data PageTableData) (uint32, error)

	// AttachDevice attaches a device to a domain through the legacy
	// group protocol and returns the group id it landed in. The modern
	// protocol attaches through HostDevice instead.
	AttachDevice(dev HostDevice, domain uint32) (uint32, error)

	// DetachDevice reverses a legacy AttachDevice.
	DetachDevice(dev HostDevice)

	// MaxDMAMappings returns the backend's mapping count limit, or 0 if
	// unknown.
	MaxDMAMappings() uint32

	// Close releases the connection. Called only by whoever opened it:
	// the manager closes connections it dialed itself (legacy), never
	// ones handed to it through Device.IOMMUFD.
	Close()
}

// DeviceInfo is the capability summary queried from a device after attach.
type DeviceInfo struct {
	NumRegions uint32
	NumIRQs    uint32
	Flags      uint64
	ResetWorks bool
}

// HostDevice is the host-side handle of a passthrough device: an open file
// descriptor plus the operations the core needs from it.
type HostDevice interface {
	// FD returns the device file descriptor.
	FD() int

	// Bind binds the device to a connection (modern protocol) and
	// returns the device id the backend assigned.
	Bind(conn Connection) (uint32, error)

	// AttachPageTable attaches the bound device to a hardware page
	// table allocated on its connection.
	AttachPageTable(ptID uint32) error

	// DetachPageTable reverses AttachPageTable.
	DetachPageTable() error

	// GetInfo queries the device capability summary.
	GetInfo() (DeviceInfo, error)

	// ComputeNeedsReset recomputes whether the device needs a reset;
	// the result is read back through NeedsReset.
	ComputeNeedsReset()

	// NeedsReset returns the last ComputeNeedsReset result.
	NeedsReset() bool

	// HotReset resets the device (and any devices sharing its reset
	// domain).
	HotReset() error

	// Close releases the device handle.
	Close()
}

// Device is a passthrough device as seen by this package. The device itself
// (enumeration, configuration) lives outside; the core stores only what
// attach/detach and reset need.
type Device struct {
	// Name identifies the device in logs.
	Name string

	// Host is the device's host-side handle.
	Host HostDevice

	// IOMMUFD selects the modern per-device backend protocol when
	// non-nil; nil selects the legacy group protocol.
	IOMMUFD Connection

	// RAMBlockDiscardAllowed is true if the device tolerates
	// guest-controlled uncoordinated discarding of RAM while attached.
	RAMBlockDiscardAllowed bool

	// DirtyPagesSupported is true if the device can participate in
	// dirty page tracking.
	DirtyPagesSupported bool

	// DirtyTracking is set by the migration layer while the device is
	// being tracked.
	DirtyTracking bool

	// Fields below are populated during attach.

	// DeviceID is the backend-assigned device id (modern protocol).
	DeviceID uint32

	// NumRegions, NumIRQs, Flags and ResetWorks mirror DeviceInfo.
	NumRegions uint32
	NumIRQs    uint32
	Flags      uint64
	ResetWorks bool

	// container and ptID locate the device's attachment: the container
	// it is attached to and the page-table group id within it.
	container *Container
	ptID      uint32
}

// Container returns the container the device is attached to, or nil.
func (d *Device) Container() *Container { return d.container }

// backendOps is the capability surface that differs between the two backend
// protocol variants. Selected per-device at attach time, never by
// inheritance.
type backendOps interface {
	// name identifies the variant in logs.
	name() string

	// checkExtension reports variant capabilities, consulting the
	// connection where the variant alone cannot answer.
	checkExtension(c *Container, f Feature) bool

	// mapDMA, unmapDMA and copyDMA perform the container's mapping
	// operations through its connection.
	mapDMA(c *Container, iova, size uint64, hostPtr uintptr, readonly bool) error
	unmapDMA(c *Container, iova, size uint64) error
	copyDMA(src, dst *Container, iova, size uint64, readonly bool) error

	// detachHost severs the device's backend binding during detach.
	detachHost(c *Container, dev *Device) error
}

// iommufdOps is the modern, per-device handle-based protocol.
type iommufdOps struct{}

func (iommufdOps) name() string { return "iommufd" }

func (iommufdOps) checkExtension(c *Container, f Feature) bool {
	switch f {
	case FeatureDMACopy:
		return true
	default:
		return c.conn.CheckExtension(f)
	}
}

func (iommufdOps) mapDMA(c *Container, iova, size uint64, hostPtr uintptr, readonly bool) error {
	return c.conn.Map(c.domainID, iova, size, hostPtr, readonly)
}

func (iommufdOps) unmapDMA(c *Container, iova, size uint64) error {
	return c.conn.Unmap(c.domainID, iova, size)
}

func (iommufdOps) copyDMA(src, dst *Container, iova, size uint64, readonly bool) error {
	invariant(src.conn.FD() == dst.conn.FD(),
		"dma copy across connections (src fd %d, dst fd %d)",
		src.conn.FD(), dst.conn.FD())
	return src.conn.Copy(src.domainID, dst.domainID, iova, size, readonly)
}

func (iommufdOps) detachHost(c *Container, dev *Device) error {
	// Unbind happens when the device fd is closed.
	return dev.Host.DetachPageTable()
}

// legacyOps is the group-based protocol.
type legacyOps struct{}

func (legacyOps) name() string { return "legacy" }

func (legacyOps) checkExtension(c *Container, f Feature) bool {
	switch f {
	case FeatureDMACopy:
		return false
	default:
		return c.conn.CheckExtension(f)
	}
}

func (legacyOps) mapDMA(c *Container, iova, size uint64, hostPtr uintptr, readonly bool) error {
	return c.conn.Map(c.domainID, iova, size, hostPtr, readonly)
}

func (legacyOps) unmapDMA(c *Container, iova, size uint64) error {
	return c.conn.Unmap(c.domainID, iova, size)
}

func (legacyOps) copyDMA(src, dst *Container, iova, size uint64, readonly bool) error {
	invariant(false, "dma copy on legacy backend")
	return nil
}

func (legacyOps) detachHost(c *Container, dev *Device) error {
	c.conn.DetachDevice(dev.Host)
	return nil
}
