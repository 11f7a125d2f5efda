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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func TestAttachModern(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	gas := &fakeGuestAddressSpace{h: h, name: "pci"}
	dev := h.newDevice("dev0", conn)

	h.attach(dev, gas)

	c := dev.Container()
	if c == nil {
		t.Fatal("device has no container after attach")
	}
	if c.DomainID() != 1 {
		t.Errorf("DomainID() = %d, want 1", c.DomainID())
	}
	if dev.ptID != 1 {
		t.Errorf("device page-table id = %d, want 1", dev.ptID)
	}
	g := c.groups[1]
	if g == nil || len(g.devices) != 1 || g.devices[0] != dev {
		t.Errorf("page-table group 1 = %+v, want exactly the attached device", g)
	}
	if dev.NumRegions != 9 || dev.NumIRQs != 3 || !dev.ResetWorks {
		t.Errorf("device info not recorded: regions=%d irqs=%d reset=%t",
			dev.NumRegions, dev.NumIRQs, dev.ResetWorks)
	}
	if h.mem.discardDisabled != 1 {
		t.Errorf("discard protection count = %d, want 1", h.mem.discardDisabled)
	}
	if len(gas.listeners) != 1 {
		t.Errorf("address space has %d listeners, want 1", len(gas.listeners))
	}

	want := []string{
		"alloc-domain 1",
		"bind dev0 fd=3",
		"alloc-pt dev=42 domain=1",
		"attach-pt dev0 pt=1",
		"register-listener pci",
	}
	got := h.filtered("alloc-domain", "bind", "alloc-pt", "attach-pt", "register-listener")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("attach sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachSecondDeviceSharesContainer(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	gas := &fakeGuestAddressSpace{h: h, name: "pci"}
	devA := h.newDevice("a", conn)
	devB := h.newDevice("b", conn)

	h.attach(devA, gas)
	h.attach(devB, gas)

	if devA.Container() != devB.Container() {
		t.Fatal("devices on the same connection landed in different containers")
	}
	c := devA.Container()
	if len(c.groups) != 1 {
		t.Errorf("container has %d page-table groups, want 1", len(c.groups))
	}
	if g := c.groups[1]; g == nil || len(g.devices) != 2 {
		t.Errorf("page-table group does not hold both devices: %+v", g)
	}
	if len(h.mgr.spaces) != 1 {
		t.Errorf("manager tracks %d address spaces, want 1", len(h.mgr.spaces))
	}
	// One disable per device: the container's own plus the joiner's.
	if h.mem.discardDisabled != 2 {
		t.Errorf("discard protection count = %d, want 2", h.mem.discardDisabled)
	}
}

func TestAttachRollsBackOnPageTableExhaustion(t *testing.T) {
	h := newHarness(t)
	accel := &fakeAccelerator{}
	h.mgr.accel = accel
	conn := h.newConn(3)
	conn.allocPTErr = unix.ENOSPC
	gas := &fakeGuestAddressSpace{h: h, name: "pci"}
	dev := h.newDevice("dev0", conn)

	err := h.mgr.AttachDevice(dev, gas)
	var exhausted *ResourceExhaustionError
	if !errors.As(err, &exhausted) {
		t.Fatalf("AttachDevice = %v, want ResourceExhaustionError", err)
	}

	if diff := cmp.Diff([]uint32{1}, conn.freed); diff != "" {
		t.Errorf("freed domains mismatch (-want +got):\n%s", diff)
	}
	if len(h.mgr.spaces) != 0 {
		t.Error("address space survived a failed attach")
	}
	if len(gas.listeners) != 0 {
		t.Error("memory listener survived a failed attach")
	}
	if !dev.Host.(*fakeHostDevice).closed {
		t.Error("device handle not closed after failed attach")
	}
	if h.mem.discardDisabled != 0 {
		t.Errorf("discard protection count = %d, want 0", h.mem.discardDisabled)
	}
	if len(accel.added) != 1 || len(accel.removed) != 1 {
		t.Errorf("accelerator adds=%d removes=%d, want 1/1", len(accel.added), len(accel.removed))
	}
}

func TestAttachReplaysExistingTopology(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	ram := &fakeRegion{name: "ram", ram: true, base: 0x7f0000000000}
	gas := &fakeGuestAddressSpace{h: h, name: "pci", sections: []Section{
		{Region: ram, OffsetWithinAddressSpace: 0x1000, Size: 0x2000},
	}}
	dev := h.newDevice("dev0", conn)

	h.attach(dev, gas)

	want := []string{"map domain=1 iova=0x1000 size=0x2000 ro=false"}
	if diff := cmp.Diff(want, h.filtered("map")); diff != "" {
		t.Errorf("replay mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachFailsWhenReplayFails(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	conn.mapErr = map[uint64]error{0x1000: unix.EFAULT}
	ram := &fakeRegion{name: "ram", ram: true}
	gas := &fakeGuestAddressSpace{h: h, name: "pci", sections: []Section{
		{Region: ram, OffsetWithinAddressSpace: 0x1000, Size: 0x2000},
	}}
	dev := h.newDevice("dev0", conn)

	if err := h.mgr.AttachDevice(dev, gas); err == nil {
		t.Fatal("AttachDevice succeeded despite a failed topology replay")
	}
	if len(h.mgr.spaces) != 0 {
		t.Error("address space survived a failed attach")
	}
	if len(gas.listeners) != 0 {
		t.Error("memory listener survived a failed attach")
	}
	if !dev.Host.(*fakeHostDevice).closed {
		t.Error("device handle not closed after failed attach")
	}
	if h.mem.discardDisabled != 0 {
		t.Errorf("discard protection count = %d, want 0", h.mem.discardDisabled)
	}
}

func TestAttachJoinRollsBackOnInfoError(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	gas := &fakeGuestAddressSpace{h: h, name: "pci"}
	devA := h.newDevice("a", conn)
	h.attach(devA, gas)

	devB := h.newDevice("b", conn)
	devB.Host.(*fakeHostDevice).infoErr = unix.EIO
	err := h.mgr.AttachDevice(devB, gas)
	var proto *BackendProtocolError
	if !errors.As(err, &proto) {
		t.Fatalf("AttachDevice = %v, want BackendProtocolError", err)
	}

	c := devA.Container()
	if g := c.groups[1]; g == nil || len(g.devices) != 1 || g.devices[0] != devA {
		t.Errorf("page-table group after failed join = %+v, want only the first device", g)
	}
	if !devB.Host.(*fakeHostDevice).closed {
		t.Error("joining device handle not closed after failure")
	}
	if h.mem.discardDisabled != 1 {
		t.Errorf("discard protection count = %d, want 1", h.mem.discardDisabled)
	}
	if len(h.mgr.spaces) != 1 {
		t.Errorf("manager tracks %d address spaces, want 1", len(h.mgr.spaces))
	}
}

func TestAttachSecondContainerUsesDonorCopy(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	ram := &fakeRegion{name: "ram", ram: true}
	gas := &fakeGuestAddressSpace{h: h, name: "pci", sections: []Section{
		{Region: ram, OffsetWithinAddressSpace: 0x1000, Size: 0x2000},
	}}

	devA := h.newDevice("a", conn)
	h.attach(devA, gas)

	// The second device cannot share the first page table, forcing a
	// second container on the same connection.
	devB := h.newDevice("b", conn)
	devB.Host.(*fakeHostDevice).attachPTFailures = 1
	h.attach(devB, gas)

	if devA.Container() == devB.Container() {
		t.Fatal("expected a second container")
	}

	// The replay into the new container duplicates the sibling's mapping
	// instead of pinning the memory a second time.
	wantMaps := []string{"map domain=1 iova=0x1000 size=0x2000 ro=false"}
	if diff := cmp.Diff(wantMaps, h.filtered("map")); diff != "" {
		t.Errorf("map calls mismatch (-want +got):\n%s", diff)
	}
	wantCopies := []string{"copy src=1 dst=2 iova=0x1000 size=0x2000"}
	if diff := cmp.Diff(wantCopies, h.filtered("copy")); diff != "" {
		t.Errorf("copy calls mismatch (-want +got):\n%s", diff)
	}
}

func TestDetachDevice(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	ram := &fakeRegion{name: "ram", ram: true}
	gas := &fakeGuestAddressSpace{h: h, name: "pci", sections: []Section{
		{Region: ram, OffsetWithinAddressSpace: 0x1000, Size: 0x2000},
	}}
	dev := h.newDevice("dev0", conn)
	h.attach(dev, gas)

	h.mgr.DetachDevice(dev)

	if dev.Container() != nil {
		t.Error("device still has a container after detach")
	}
	if len(h.mgr.spaces) != 0 {
		t.Error("address space survived detach of the last device")
	}
	if diff := cmp.Diff([]uint32{1}, conn.freed); diff != "" {
		t.Errorf("freed domains mismatch (-want +got):\n%s", diff)
	}
	if conn.closed {
		t.Error("externally provided connection was closed")
	}
	if !dev.Host.(*fakeHostDevice).closed {
		t.Error("device handle not closed")
	}
	if h.mem.discardDisabled != 0 {
		t.Errorf("discard protection count = %d, want 0", h.mem.discardDisabled)
	}

	// Memory notifications must stop before the backend binding goes away:
	// no listener callback may observe a container mid-teardown.
	unreg := eventIndex(h.events, "unregister-listener pci")
	detach := eventIndex(h.events, "detach-pt dev0")
	if unreg == -1 || detach == -1 || unreg > detach {
		t.Errorf("listener unregistered at %d, backend detach at %d; want unregister first",
			unreg, detach)
	}
}

func TestDetachKeepsSharedContainer(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(3)
	gas := &fakeGuestAddressSpace{h: h, name: "pci"}
	devA := h.newDevice("a", conn)
	devB := h.newDevice("b", conn)
	h.attach(devA, gas)
	h.attach(devB, gas)

	h.mgr.DetachDevice(devA)

	c := devB.Container()
	if c == nil {
		t.Fatal("second device lost its container")
	}
	if g := c.groups[1]; g == nil || len(g.devices) != 1 || g.devices[0] != devB {
		t.Errorf("page-table group after detach = %+v, want only the second device", g)
	}
	if len(conn.freed) != 0 {
		t.Error("translation domain freed while a device remains attached")
	}
	if len(gas.listeners) != 1 {
		t.Errorf("address space has %d listeners, want 1", len(gas.listeners))
	}

	h.mgr.DetachDevice(devB)
	if len(h.mgr.spaces) != 0 {
		t.Error("address space survived detach of the last device")
	}
	if h.mem.discardDisabled != 0 {
		t.Errorf("discard protection count = %d, want 0", h.mem.discardDisabled)
	}
}

func TestAttachLegacy(t *testing.T) {
	h := newHarness(t)
	conn := h.newConn(5)
	conn.groupID = 7
	h.mgr.dialLegacy = func() (Connection, error) { return conn, nil }
	gas := &fakeGuestAddressSpace{h: h, name: "pci"}

	devA := h.newDevice("a", nil)
	devB := h.newDevice("b", nil)
	h.attach(devA, gas)
	h.attach(devB, gas)

	if devA.Container() != devB.Container() {
		t.Fatal("legacy devices landed in different containers")
	}
	c := devA.Container()
	if devA.ptID != 7 || devB.ptID != 7 {
		t.Errorf("group ids = %d, %d, want 7, 7", devA.ptID, devB.ptID)
	}
	if g := c.groups[7]; g == nil || len(g.devices) != 2 {
		t.Errorf("group 7 = %+v, want both devices", g)
	}

	h.mgr.DetachDevice(devA)
	if conn.closed {
		t.Error("legacy connection closed while a device remains")
	}
	h.mgr.DetachDevice(devB)
	if !conn.closed {
		t.Error("manager-dialed legacy connection not closed on last detach")
	}
}

func TestAttachLegacyWithoutDialer(t *testing.T) {
	h := newHarness(t)
	gas := &fakeGuestAddressSpace{h: h, name: "pci"}
	dev := h.newDevice("dev0", nil)

	err := h.mgr.AttachDevice(dev, gas)
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("AttachDevice = %v, want ConfigurationError", err)
	}
	if !dev.Host.(*fakeHostDevice).closed {
		t.Error("device handle not closed")
	}
}

func TestDetachUnattachedDevice(t *testing.T) {
	h := newHarness(t)
	dev := h.newDevice("dev0", nil)
	h.mgr.DetachDevice(dev)
	if !dev.Host.(*fakeHostDevice).closed {
		t.Error("device handle not closed")
	}
}
