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

// This file declares the guest memory model collaborator surface. The memory
// model feeds Sections into the registered MemoryListener and answers
// translation queries; it is implemented by the embedding VMM.

// Section is a view of a contiguous piece of a memory region as mapped into
// a guest address space.
type Section struct {
	// Region is the region this section is a part of.
	Region Region

	// OffsetWithinRegion is the offset of the section start within Region.
	OffsetWithinRegion uint64

	// OffsetWithinAddressSpace is the guest physical (or IOVA) address of
	// the section start.
	OffsetWithinAddressSpace uint64

	// Size is the section size in bytes. A size of 0 denotes the full
	// 2^64 bytes; see package memspan.
	Size uint64

	// ReadOnly is true if the section must not be mapped writable.
	ReadOnly bool
}

// Region describes a guest memory region. Exactly one of IsRAM and
// (IOMMU() != nil) holds for regions this package maps.
type Region interface {
	// Name returns a diagnostic name for the region.
	Name() string

	// IsRAM returns true if the region is backed by host RAM.
	IsRAM() bool

	// IsRAMDevice returns true if the region is a device memory aperture
	// exposed as RAM (e.g. a PCI BAR). Mapping such regions is
	// best-effort.
	IsRAMDevice() bool

	// IsProtected returns true if the region's contents are not
	// accessible to the host (e.g. confidential guest memory).
	IsProtected() bool

	// IOMMU returns the region's IOMMU interface, or nil if the region
	// is not a virtual-IOMMU region.
	IOMMU() IOMMURegion

	// DiscardManager returns the manager coordinating dynamic
	// population of the region's backing memory, or nil.
	DiscardManager() DiscardManager

	// KnownSafeMisalignment returns true if the region is known to
	// tolerate a mismatch between its address-space and backing-offset
	// alignment (and is therefore skipped without complaint).
	KnownSafeMisalignment() bool

	// RAMPointer returns the host virtual address backing the region at
	// the given offset. Only valid for RAM regions.
	RAMPointer(offset uint64) uintptr

	// RAMAddr returns the region's dirty-tracking RAM address at the
	// given offset. Only valid for RAM regions.
	RAMAddr(offset uint64) uint64
}

// IOTLBPerm is the access permission carried by an IOTLB entry.
type IOTLBPerm uint8

// IOTLB entry permissions.
const (
	PermNone IOTLBPerm = 0
	PermRead IOTLBPerm = 1 << iota
	PermWrite
	PermRW = PermRead | PermWrite
)

// IOTLBEvents selects which IOTLB events a notifier receives.
type IOTLBEvents uint8

// IOTLB notifier event flags.
const (
	EventMap IOTLBEvents = 1 << iota
	EventUnmap

	EventsAll = EventMap | EventUnmap
)

// IOTLBEntry is a guest IOTLB translation event.
type IOTLBEntry struct {
	// IOVA is the input address, relative to the IOMMU region.
	IOVA uint64

	// AddrMask is the size of the translation minus one.
	AddrMask uint64

	// Translated is the output guest physical address.
	Translated uint64

	// Perm is PermNone for invalidations, otherwise the mapped access.
	Perm IOTLBPerm

	// TargetSystem is true if the translation targets system memory.
	// Entries targeting any other address space are rejected.
	TargetSystem bool
}

// IOTLBNotifier subscribes to IOTLB events over a range of an IOMMU region.
type IOTLBNotifier struct {
	// Notify is invoked for each matching event, on the control thread.
	Notify func(IOTLBEntry)

	// Events selects map events, unmap events, or both.
	Events IOTLBEvents

	// First and Last bound the watched range within the region,
	// inclusive.
	First uint64
	Last  uint64
}

// IOMMURegion is the virtual-IOMMU surface of a Region.
type IOMMURegion interface {
	// RegisterNotifier subscribes n to the region's IOTLB events.
	RegisterNotifier(n *IOTLBNotifier) error

	// UnregisterNotifier removes a previously registered notifier.
	UnregisterNotifier(n *IOTLBNotifier)

	// Replay synthesizes map events for all current translations in
	// n's range and delivers them to n only.
	Replay(n *IOTLBNotifier)

	// SetPageSizeMask restricts the page sizes the guest IOMMU may use
	// to those the host can back.
	SetPageSizeMask(mask uint64) error

	// Nested returns true if the guest IOMMU wants nested translation:
	// the host walks guest-owned page tables and only invalidations
	// flow through this module.
	Nested() bool

	// PageTableData returns the descriptor for the guest's nested page
	// table configuration, if any.
	PageTableData() (PageTableData, bool)

	// PropagateInvalidation pushes a guest IOTLB invalidation into the
	// region's shadow cache. Used in nested mode only.
	PropagateInvalidation(IOTLBEntry)
}

// DiscardListener receives population state changes for a registered
// section of a dynamically populated region.
type DiscardListener struct {
	// Populate maps the newly populated section. It must either map the
	// whole section or leave none of it mapped.
	Populate func(Section) error

	// Discard unmaps the discarded section.
	Discard func(Section)

	// DoubleDiscard is true if the listener tolerates Discard calls for
	// ranges that are already discarded.
	DoubleDiscard bool
}

// DiscardManager coordinates dynamic population of a region's backing
// memory (e.g. a memory hot-plug balloon).
type DiscardManager interface {
	// MinGranularity returns the minimum unit, in bytes, in which the
	// region is populated or discarded. Always a power of two.
	MinGranularity(r Region) uint64

	// RegisterListener subscribes l to population changes within s,
	// invoking l.Populate for already-populated parts before returning.
	RegisterListener(l *DiscardListener, s Section)

	// UnregisterListener removes l, invoking l.Discard for all
	// currently populated parts of its section.
	UnregisterListener(l *DiscardListener)

	// ReplayPopulated invokes fn for each populated subsection of s, in
	// increasing address order, stopping at the first error.
	ReplayPopulated(s Section, fn func(Section) error) error
}

// Translation is the result of resolving an IOTLB entry against the guest
// memory model.
type Translation struct {
	// HostPtr is the host virtual address backing the translated range.
	// It remains usable after the read guard is dropped only for pages
	// the backend has pinned.
	HostPtr uintptr

	// RAMAddr is the dirty-tracking RAM address of the range.
	RAMAddr uint64

	// ReadOnly is true if the backing may not be written.
	ReadOnly bool

	// HasDiscardManager is true if the backing region is dynamically
	// populated. Mapping such memory through a vIOMMU pins it beyond
	// the guest's control.
	HasDiscardManager bool
}

// GuestMemory is the system memory model: the translation authority for
// IOTLB entries targeting system memory.
type GuestMemory interface {
	// RLock enters the translation read-side critical section. Host
	// pointers obtained from Translate are stable until RUnlock; after
	// that, only backend-pinned pages remain valid.
	RLock()

	// RUnlock leaves the read-side critical section.
	RUnlock()

	// Translate resolves an IOTLB entry to its host backing. Must be
	// called between RLock and RUnlock.
	Translate(e IOTLBEntry) (Translation, bool)

	// DisableUncoordinatedDiscard disables (true) or re-enables (false)
	// guest-controlled uncoordinated discarding of RAM. Calls nest: each
	// disable must be paired with an enable.
	DisableUncoordinatedDiscard(disable bool) error
}

// MemoryListener receives guest memory topology changes. All callbacks run
// on the single control thread, synchronously with the change.
type MemoryListener interface {
	// RegionAdd is invoked when a section appears in the address space.
	RegionAdd(s Section)

	// RegionDel is invoked when a section disappears. Mirrors RegionAdd.
	RegionDel(s Section)

	// LogGlobalStart is invoked when dirty logging starts globally.
	LogGlobalStart()

	// LogGlobalStop is invoked when dirty logging stops globally.
	LogGlobalStop()

	// LogSync requests a dirty-state sync for a mapped section.
	LogSync(s Section)
}

// GuestAddressSpace identifies one guest DMA address space and carries its
// listener registration.
type GuestAddressSpace interface {
	// Name returns a diagnostic name for the address space.
	Name() string

	// Root returns the region at the root of the address space, or nil.
	// A vIOMMU root is where nested-translation attributes come from.
	Root() Region

	// RegisterListener subscribes l to topology changes, replaying all
	// current sections into l.RegionAdd before returning.
	RegisterListener(l MemoryListener)

	// UnregisterListener removes a previously registered listener.
	UnregisterListener(l MemoryListener)
}

// Accelerator is notified of device fds so the hypervisor can track
// passthrough devices. Failures are logged, never fatal.
type Accelerator interface {
	AddDeviceFD(fd int) error
	RemoveDeviceFD(fd int) error
}

// ResetRegistry lets the manager hook the machine reset path. Register is
// called when the first guest address space comes into use, Unregister when
// the last one is released.
type ResetRegistry interface {
	Register(reset func())
	Unregister()
}

// DirtySink receives dirty page bitmaps harvested from the backend. bits
// holds one bit per page, LSB first within each word; size is the byte
// length of the synced range starting at ramAddr.
type DirtySink interface {
	MarkDirty(ramAddr uint64, bits []uint64, size uint64)
}
