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

// AddressSpace tracks the containers attached to one guest DMA address
// space and owns its single memory listener registration. The listener is
// registered when the first container is added and unregistered when the
// last is removed; there is never more than one registration at a time.
type AddressSpace struct {
	mgr   *Manager
	guest GuestAddressSpace

	containers []*Container

	listenerRegistered bool
}

// Guest returns the guest address space identity.
func (s *AddressSpace) Guest() GuestAddressSpace { return s.guest }

// Containers returns the attached containers.
func (s *AddressSpace) Containers() []*Container { return s.containers }

// getAddressSpace returns the AddressSpace for guest, creating it if
// needed. The first address space hooks the machine reset path.
func (m *Manager) getAddressSpace(guest GuestAddressSpace) *AddressSpace {
	if s, ok := m.spaces[guest]; ok {
		return s
	}
	s := &AddressSpace{mgr: m, guest: guest}
	if len(m.spaces) == 0 && m.resetReg != nil {
		m.resetReg.Register(m.ResetAll)
	}
	m.spaces[guest] = s
	return s
}

// putAddressSpace drops a reference to s, releasing it if no containers
// remain. The last address space unhooks the machine reset path.
func (m *Manager) putAddressSpace(s *AddressSpace) {
	if len(s.containers) == 0 {
		delete(m.spaces, s.guest)
	}
	if len(m.spaces) == 0 && m.resetReg != nil {
		m.resetReg.Unregister()
	}
}

// addContainer attaches c to the address space. The first container
// registers the memory listener, replaying the current topology into c.
// Later containers get the topology replayed into them alone, through a
// transient listener, so established containers never see a section twice.
func (s *AddressSpace) addContainer(c *Container) {
	s.containers = append(s.containers, c)
	if !s.listenerRegistered {
		s.guest.RegisterListener(s)
		s.listenerRegistered = true
		return
	}
	r := &containerReplay{space: s, c: c}
	s.guest.RegisterListener(r)
	s.guest.UnregisterListener(r)
}

// containerReplay funnels a registration replay into a single container.
// Registered just long enough to receive the replay, then unregistered.
type containerReplay struct {
	space *AddressSpace
	c     *Container
}

// RegionAdd implements MemoryListener.RegionAdd.
func (r *containerReplay) RegionAdd(sec Section) {
	// An established sibling already holds the section mapped and can
	// serve as the copy donor where the backend allows it.
	var donor *Container
	for _, o := range r.space.containers {
		if o != r.c && o.initialized {
			donor = o
			break
		}
	}
	r.c.regionAdd(sec, &donor)
}

// RegionDel implements MemoryListener.RegionDel.
func (r *containerReplay) RegionDel(Section) {}

// LogGlobalStart implements MemoryListener.LogGlobalStart.
func (r *containerReplay) LogGlobalStart() {}

// LogGlobalStop implements MemoryListener.LogGlobalStop.
func (r *containerReplay) LogGlobalStop() {}

// LogSync implements MemoryListener.LogSync.
func (r *containerReplay) LogSync(Section) {}

// delContainer removes c from the address space. With no containers left
// the listener is unregistered, so no callback can observe a container
// whose backend teardown has begun.
func (s *AddressSpace) delContainer(c *Container) {
	for i, o := range s.containers {
		if o == c {
			s.containers = append(s.containers[:i], s.containers[i+1:]...)
			break
		}
	}
	if len(s.containers) == 0 && s.listenerRegistered {
		s.guest.UnregisterListener(s)
		s.listenerRegistered = false
	}
}
