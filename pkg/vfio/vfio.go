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

// Package vfio keeps host IOMMU mapping tables synchronized with a guest's
// view of physical memory, multiplexed across the passthrough devices that
// share each translation domain.
//
// The central object is the Container: one host translation domain holding
// the valid-IOVA windows, page-table groups, guest-IOMMU bindings and
// discard bindings of the devices attached to it. An AddressSpace owns the
// containers of one guest DMA address space and fans memory topology
// changes out to them; Manager.AttachDevice finds or creates a compatible
// container for a device and performs the backend handshake.
//
// Every operation in this package runs on a single serialized control
// thread: the same thread that delivers memory topology changes and guest
// IOTLB invalidations. Nothing here locks, queues or retries; ordering
// between a topology change and the corresponding mapping update is total
// and synchronous.
package vfio

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// defaultMaxMemslots estimates the hypervisor memory slot limit when the
// embedder does not provide one. Used only for the discard-binding mapping
// budget heuristic.
const defaultMaxMemslots = 512

// Options configures a Manager. Memory is required; everything else is
// optional.
type Options struct {
	// Memory is the system guest memory model.
	Memory GuestMemory

	// SystemSpace is the guest address space covering system RAM.
	// Required only when nested-translation containers are created: it
	// is where their pre-registration listener is installed.
	SystemSpace GuestAddressSpace

	// DirtySink receives harvested dirty bitmaps. Nil disables
	// forwarding (bitmaps are still fetched when requested).
	DirtySink DirtySink

	// Accelerator, when non-nil, is notified of device fds on attach
	// and detach. Failures are logged, never fatal.
	Accelerator Accelerator

	// ResetRegistry, when non-nil, hooks machine reset: registered when
	// the first guest address space comes into use, unregistered when
	// the last is released.
	ResetRegistry ResetRegistry

	// DialLegacy opens a connection to the legacy mapping facility. Nil
	// disables the legacy backend.
	DialLegacy func() (Connection, error)

	// HostPageSize overrides the host page size. 0 means
	// unix.Getpagesize().
	HostPageSize uint64

	// MaxMemslots overrides the memory slot estimate used by the
	// discard-binding mapping budget heuristic. 0 means the default.
	MaxMemslots int

	// Logger overrides the logger. Nil means the logrus standard
	// logger.
	Logger *logrus.Logger
}

// Manager is the process context of the subsystem: the owner of every
// guest address space with attached passthrough devices. It replaces any
// process-global registry; embedders construct exactly one and pass it
// where needed.
type Manager struct {
	memory      GuestMemory
	systemSpace GuestAddressSpace
	dirtySink   DirtySink
	accel       Accelerator
	resetReg    ResetRegistry
	dialLegacy  func() (Connection, error)

	hostPageSize uint64
	maxMemslots  int

	spaces map[GuestAddressSpace]*AddressSpace

	log *logrus.Entry

	// pinWarn rate-limits the warning about vIOMMU translations pinning
	// dynamically populated memory.
	pinWarn *rateLimitedLogger
}

// New creates a Manager.
func New(opts Options) *Manager {
	invariant(opts.Memory != nil, "Options.Memory is required")
	pageSize := opts.HostPageSize
	if pageSize == 0 {
		pageSize = uint64(unix.Getpagesize())
	}
	memslots := opts.MaxMemslots
	if memslots == 0 {
		memslots = defaultMaxMemslots
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("subsys", "vfio")
	return &Manager{
		memory:       opts.Memory,
		systemSpace:  opts.SystemSpace,
		dirtySink:    opts.DirtySink,
		accel:        opts.Accelerator,
		resetReg:     opts.ResetRegistry,
		dialLegacy:   opts.DialLegacy,
		hostPageSize: pageSize,
		maxMemslots:  memslots,
		spaces:       make(map[GuestAddressSpace]*AddressSpace),
		log:          log,
		pinWarn:      newRateLimitedLogger(log, time.Hour),
	}
}

// HostPageSize returns the host page size mappings are aligned to.
func (m *Manager) HostPageSize() uint64 { return m.hostPageSize }

// ResetAll invokes the reset hooks of every device in every container.
// Wired to the machine reset path through Options.ResetRegistry.
func (m *Manager) ResetAll() {
	for _, space := range m.spaces {
		for _, c := range space.containers {
			c.Reset() // Failures are logged; reset never stops early.
		}
	}
}

func (m *Manager) acceleratorAdd(dev *Device) {
	if m.accel == nil {
		return
	}
	if err := m.accel.AddDeviceFD(dev.Host.FD()); err != nil {
		m.log.WithField("device", dev.Name).WithError(err).
			Error("failed to add device to accelerator")
	}
}

func (m *Manager) acceleratorRemove(dev *Device) {
	if m.accel == nil {
		return
	}
	if err := m.accel.RemoveDeviceFD(dev.Host.FD()); err != nil {
		m.log.WithField("device", dev.Name).WithError(err).
			Error("failed to remove device from accelerator")
	}
}

// rateLimitedLogger drops messages beyond its rate. Used for warnings that
// would otherwise repeat on every guest IOTLB event.
type rateLimitedLogger struct {
	entry *logrus.Entry
	limit *rate.Limiter
}

func newRateLimitedLogger(entry *logrus.Entry, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		entry: entry,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.entry.Warningf(format, v...)
	}
}
