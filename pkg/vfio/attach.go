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

	"dmamux.dev/dmamux/pkg/cleanup"
)

// AttachDevice attaches a passthrough device to the guest address space,
// finding or creating a compatible container for it. The backend protocol
// variant is selected by the device: a non-nil Device.IOMMUFD picks the
// modern per-device protocol, otherwise the legacy group protocol is used.
//
// Any failure rolls back fully: no container, window, group or address
// space state survives a failed attach, and the device handle is closed.
func (m *Manager) AttachDevice(dev *Device, guest GuestAddressSpace) error {
	if dev.IOMMUFD != nil {
		return m.attachModern(dev, guest)
	}
	return m.attachLegacy(dev, guest)
}

func (m *Manager) attachModern(dev *Device, guest GuestAddressSpace) error {
	space := m.getAddressSpace(guest)

	// Try to join an existing container on the same backend protocol.
	// Sharing a connection does not imply sharing a page table; the
	// backend decides the page-table id at attach.
	for _, c := range space.containers {
		if _, ok := c.ops.(iommufdOps); !ok {
			continue
		}
		if err := m.attachDeviceContainer(dev, c); err != nil {
			m.log.WithField("device", dev.Name).WithError(err).
				Debug("failed to join existing container")
			continue
		}
		if err := m.finishAttach(dev, space, c); err != nil {
			m.rollbackJoin(dev, space, c)
			return err
		}
		return nil
	}

	// No reusable container; allocate a dedicated translation domain.
	conn := dev.IOMMUFD
	domainID, err := conn.AllocDomain()
	if err != nil {
		m.putAddressSpace(space)
		dev.Host.Close()
		return &ResourceExhaustionError{Resource: "translation domain", Err: err}
	}

	c := newContainer(m, space, conn, domainID, iommufdOps{})

	// Nested-translation attributes come from the vIOMMU at the root of
	// the guest address space, if there is one.
	if root := guest.Root(); root != nil {
		if iommu := root.IOMMU(); iommu != nil {
			c.nested = iommu.Nested()
			if data, ok := iommu.PageTableData(); ok {
				c.nestedData = data
			}
		}
	}

	cu := cleanup.Make(func() {
		conn.FreeDomain(domainID)
		m.putAddressSpace(space)
		dev.Host.Close()
	})
	defer cu.Clean()

	if err := m.attachDeviceContainer(dev, c); err != nil {
		return err
	}
	cu.Add(func() {
		m.detachDeviceContainer(dev, c)
		c.destroy()
	})

	if err := m.initContainer(c, space, &cu); err != nil {
		return err
	}

	if err := m.finishAttach(dev, space, c); err != nil {
		return err
	}
	cu.Release()
	return nil
}

func (m *Manager) attachLegacy(dev *Device, guest GuestAddressSpace) error {
	space := m.getAddressSpace(guest)

	for _, c := range space.containers {
		if _, ok := c.ops.(legacyOps); !ok {
			continue
		}
		if err := m.attachLegacyContainer(dev, c); err != nil {
			m.log.WithField("device", dev.Name).WithError(err).
				Debug("failed to join existing container")
			continue
		}
		if err := m.finishAttach(dev, space, c); err != nil {
			m.rollbackJoin(dev, space, c)
			return err
		}
		return nil
	}

	if m.dialLegacy == nil {
		m.putAddressSpace(space)
		dev.Host.Close()
		return &ConfigurationError{Msg: "no legacy mapping backend available"}
	}
	conn, err := m.dialLegacy()
	if err != nil {
		m.putAddressSpace(space)
		dev.Host.Close()
		return &BackendProtocolError{Op: "connect", Err: err}
	}
	domainID, err := conn.AllocDomain()
	if err != nil {
		conn.Close()
		m.putAddressSpace(space)
		dev.Host.Close()
		return &ResourceExhaustionError{Resource: "translation domain", Err: err}
	}

	c := newContainer(m, space, conn, domainID, legacyOps{})
	c.ownsConn = true

	cu := cleanup.Make(func() {
		conn.FreeDomain(domainID)
		conn.Close()
		m.putAddressSpace(space)
		dev.Host.Close()
	})
	defer cu.Clean()

	if err := m.attachLegacyContainer(dev, c); err != nil {
		return err
	}
	cu.Add(func() {
		m.detachDeviceContainer(dev, c)
		c.destroy()
	})

	if err := m.initContainer(c, space, &cu); err != nil {
		return err
	}

	if err := m.finishAttach(dev, space, c); err != nil {
		return err
	}
	cu.Release()
	return nil
}

// initContainer takes a freshly created container through its first full
// topology replay: discard protection, the default host DMA window, the
// nested-mode pre-registration listener, and activation in the address
// space. Rollback steps accumulate in cu.
func (m *Manager) initContainer(c *Container, space *AddressSpace, cu *cleanup.Cleanup) error {
	if err := m.memory.DisableUncoordinatedDiscard(true); err != nil {
		return fmt.Errorf("cannot disable uncoordinated discard of RAM: %w", err)
	}
	cu.Add(func() {
		if err := m.memory.DisableUncoordinatedDiscard(false); err != nil {
			m.log.WithError(err).Error("failed to re-enable uncoordinated discard")
		}
	})

	// The backend accepts the whole address range at host page
	// granularity; platforms with constrained IOMMU apertures replace
	// this window during topology discovery.
	if err := c.AddWindow(0, ^uint64(0), m.hostPageSize); err != nil {
		return err
	}
	c.pgSizes = m.hostPageSize

	if c.nested {
		if m.systemSpace == nil {
			return &ConfigurationError{Msg: "nested translation requires a system address space"}
		}
		p := &preregListener{c: c}
		c.prereg = p
		m.systemSpace.RegisterListener(p)
		// destroy() unregisters the listener on rollback.
		if c.err != nil {
			return fmt.Errorf("RAM pre-registration failed: %w", c.err)
		}
	}

	space.addContainer(c)
	cu.Add(func() { space.delContainer(c) })
	if c.err != nil {
		return fmt.Errorf("memory listener initialization failed: %w", c.err)
	}
	c.initialized = true
	return nil
}

// finishAttach completes either attach path: query device capabilities,
// release the discard protection for devices that tolerate uncoordinated
// discard, and record the attachment.
func (m *Manager) finishAttach(dev *Device, space *AddressSpace, c *Container) error {
	info, err := dev.Host.GetInfo()
	if err != nil {
		return &BackendProtocolError{Op: "device info", Err: err}
	}
	dev.NumRegions = info.NumRegions
	dev.NumIRQs = info.NumIRQs
	dev.Flags = info.Flags
	dev.ResetWorks = info.ResetWorks

	if dev.RAMBlockDiscardAllowed {
		if err := m.memory.DisableUncoordinatedDiscard(false); err != nil {
			m.log.WithField("device", dev.Name).WithError(err).
				Error("failed to release uncoordinated discard protection")
		}
	}

	g := c.groupForDevice(dev)
	invariant(g != nil, "attached device %s has no page-table group", dev.Name)
	dev.ptID = g.ID
	dev.container = c
	return nil
}

// attachDeviceContainer performs the modern bind/attach handshake against
// a container: bind the device to the container's connection, allocate (or
// share) a hardware page table in the container's domain, attach the
// device to it and record the group membership. Joining an existing
// container additionally takes the discard protection for this device.
func (m *Manager) attachDeviceContainer(dev *Device, c *Container) error {
	// The accelerator wants to know about the device before it is
	// bound; some devices need hypervisor state at open.
	m.acceleratorAdd(dev)

	devID, err := dev.Host.Bind(c.conn)
	if err != nil {
		m.acceleratorRemove(dev)
		return &BackendProtocolError{Op: "bind", Err: err}
	}
	dev.DeviceID = devID

	ptID, err := c.conn.AllocPageTable(devID, c.domainID, c.nestedData)
	if err != nil {
		m.acceleratorRemove(dev)
		return &ResourceExhaustionError{Resource: "page table", Err: err}
	}

	if err := dev.Host.AttachPageTable(ptID); err != nil {
		m.acceleratorRemove(dev)
		return &BackendProtocolError{Op: "attach", Err: err}
	}

	if c.initialized {
		// Joining an established container: take the discard
		// protection this device requires. New containers take it in
		// initContainer instead.
		if err := m.memory.DisableUncoordinatedDiscard(true); err != nil {
			m.detachDeviceContainerRaw(dev, c)
			return fmt.Errorf("cannot disable uncoordinated discard of RAM: %w", err)
		}
	}

	g := c.pageTableGroup(ptID)
	g.add(dev)
	dev.ptID = ptID
	return nil
}

// attachLegacyContainer is the group-protocol counterpart: the connection
// performs the whole handshake and reports the group id, which stands in
// for the page-table id.
func (m *Manager) attachLegacyContainer(dev *Device, c *Container) error {
	m.acceleratorAdd(dev)

	groupID, err := c.conn.AttachDevice(dev.Host, c.domainID)
	if err != nil {
		m.acceleratorRemove(dev)
		return &BackendProtocolError{Op: "group attach", Err: err}
	}

	if c.initialized {
		if err := m.memory.DisableUncoordinatedDiscard(true); err != nil {
			m.detachDeviceContainerRaw(dev, c)
			return fmt.Errorf("cannot disable uncoordinated discard of RAM: %w", err)
		}
	}

	g := c.pageTableGroup(groupID)
	g.add(dev)
	dev.ptID = groupID
	return nil
}

// rollbackJoin unwinds a failed join of an established container: the
// device leaves its group, the backend binding is severed, the discard
// protection taken for this device is released, and the device handle is
// closed.
func (m *Manager) rollbackJoin(dev *Device, space *AddressSpace, c *Container) {
	m.detachDeviceContainer(dev, c)
	if err := m.memory.DisableUncoordinatedDiscard(false); err != nil {
		m.log.WithError(err).Error("failed to re-enable uncoordinated discard")
	}
	m.putAddressSpace(space)
	dev.Host.Close()
}

// detachDeviceContainerRaw severs the backend binding without touching
// group membership. Backend failures during teardown are logged; the
// resources must be released regardless.
func (m *Manager) detachDeviceContainerRaw(dev *Device, c *Container) {
	if err := c.ops.detachHost(c, dev); err != nil {
		m.log.WithField("device", dev.Name).WithError(err).
			Error("device detach from backend failed")
	}
	m.acceleratorRemove(dev)
}

// detachDeviceContainer removes the device from its page-table group (if
// any) and severs the backend binding.
func (m *Manager) detachDeviceContainer(dev *Device, c *Container) {
	if g := c.groupForDevice(dev); g != nil {
		g.remove(dev)
		if len(g.devices) == 0 {
			c.putPageTableGroup(g)
		}
	}
	m.detachDeviceContainerRaw(dev, c)
}

// DetachDevice reverses AttachDevice. After the device's last sibling in
// the container is gone the container itself is destroyed, its translation
// domain freed and the address space reference dropped.
func (m *Manager) DetachDevice(dev *Device) {
	c := dev.container
	if c == nil {
		dev.Host.Close()
		return
	}

	if !dev.RAMBlockDiscardAllowed {
		if err := m.memory.DisableUncoordinatedDiscard(false); err != nil {
			m.log.WithField("device", dev.Name).WithError(err).
				Error("failed to re-enable uncoordinated discard")
		}
	}

	g := c.groupForDevice(dev)
	invariant(g != nil, "detaching device %s not in any page-table group", dev.Name)
	g.remove(dev)
	if len(g.devices) == 0 {
		c.putPageTableGroup(g)
	}

	space := c.space
	// Stop memory notifications before any backend teardown: once the
	// last page-table group is gone, no listener callback may observe
	// this container again.
	if len(c.groups) == 0 {
		space.delContainer(c)
	}

	m.detachDeviceContainerRaw(dev, c)

	if len(c.groups) == 0 {
		conn, domainID, owns := c.conn, c.domainID, c.ownsConn
		c.destroy()
		conn.FreeDomain(domainID)
		if owns {
			conn.Close()
		}
		m.putAddressSpace(space)
	}

	dev.container = nil
	dev.Host.Close()
}
