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

	"golang.org/x/sys/unix"
)

// errNoWindow backs window lookup failures with a stable errno.
var errNoWindow = unix.ENXIO

// MapError indicates the backend rejected a DMA map request, or that no
// host DMA window covers the requested range.
type MapError struct {
	IOVA uint64
	Size uint64
	Err  error
}

// Error implements error.Error.
func (e *MapError) Error() string {
	return fmt.Sprintf("dma map [0x%x, +0x%x): %v", e.IOVA, e.Size, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *MapError) Unwrap() error { return e.Err }

// UnmapError indicates the backend rejected a DMA unmap request.
type UnmapError struct {
	IOVA uint64
	Size uint64
	Err  error
}

// Error implements error.Error.
func (e *UnmapError) Error() string {
	return fmt.Sprintf("dma unmap [0x%x, +0x%x): %v", e.IOVA, e.Size, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *UnmapError) Unwrap() error { return e.Err }

// BackendProtocolError indicates a bind/attach handshake with the backend
// failed. Device attach aborts and rolls back fully.
type BackendProtocolError struct {
	Op  string
	Err error
}

// Error implements error.Error.
func (e *BackendProtocolError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *BackendProtocolError) Unwrap() error { return e.Err }

// ConfigurationError indicates an invalid host topology, such as
// overlapping host DMA windows. Callers should treat it as fatal at
// startup.
type ConfigurationError struct {
	Msg string
}

// Error implements error.Error.
func (e *ConfigurationError) Error() string { return e.Msg }

// ResourceExhaustionError indicates the backend ran out of a finite
// resource (translation domains, page-table ids, DMA windows).
type ResourceExhaustionError struct {
	Resource string
	Err      error
}

// Error implements error.Error.
func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("out of %s: %v", e.Resource, e.Err)
}

// Unwrap supports errors.Is/As.
func (e *ResourceExhaustionError) Unwrap() error { return e.Err }

// invariant panics if cond is false. Invariant violations are programming
// errors and are never reported as recoverable errors.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("vfio: invariant violation: "+format, args...))
	}
}
