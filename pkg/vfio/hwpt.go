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

// PageTableGroup groups the devices of a container that share one hardware
// page table. Groups are created lazily by the first device the backend
// assigns to a page-table id and destroyed when their device set empties.
type PageTableGroup struct {
	// ID is the backend's page-table id.
	ID uint32

	devices []*Device
}

// Devices returns the group's device set.
func (g *PageTableGroup) Devices() []*Device { return g.devices }

func (g *PageTableGroup) add(dev *Device) {
	g.devices = append(g.devices, dev)
}

func (g *PageTableGroup) remove(dev *Device) bool {
	for i, d := range g.devices {
		if d == dev {
			g.devices = append(g.devices[:i], g.devices[i+1:]...)
			return true
		}
	}
	return false
}

// pageTableGroup returns the group for id, creating it if needed.
func (c *Container) pageTableGroup(id uint32) *PageTableGroup {
	if g, ok := c.groups[id]; ok {
		return g
	}
	g := &PageTableGroup{ID: id}
	c.groups[id] = g
	return g
}

// putPageTableGroup destroys an emptied group.
func (c *Container) putPageTableGroup(g *PageTableGroup) {
	invariant(len(g.devices) == 0,
		"destroying page-table group %d with %d devices", g.ID, len(g.devices))
	delete(c.groups, g.ID)
}

// groupForDevice returns the group dev belongs to, or nil. A device belongs
// to at most one group per container.
func (c *Container) groupForDevice(dev *Device) *PageTableGroup {
	for _, g := range c.groups {
		for _, d := range g.devices {
			if d == dev {
				return g
			}
		}
	}
	return nil
}
