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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// iommufdPath and legacyPath are the character devices of the two backend
// protocol variants.
const (
	iommufdPath = "/dev/iommu"
	legacyPath  = "/dev/vfio/vfio"
)

// probeCmd implements subcommands.Command for the "probe" command.
type probeCmd struct{}

// Name implements subcommands.Command.Name.
func (*probeCmd) Name() string { return "probe" }

// Synopsis implements subcommands.Command.Synopsis.
func (*probeCmd) Synopsis() string {
	return "report which DMA mapping backends the host provides"
}

// Usage implements subcommands.Command.Usage.
func (*probeCmd) Usage() string {
	return "probe - report which DMA mapping backends the host provides\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*probeCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*probeCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	found := false
	for _, b := range []struct {
		name string
		path string
	}{
		{name: "iommufd", path: iommufdPath},
		{name: "legacy", path: legacyPath},
	} {
		fd, err := unix.Open(b.path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			logrus.WithField("path", b.path).WithError(err).Debug("backend probe failed")
			fmt.Printf("%-8s unavailable (%v)\n", b.name, err)
			continue
		}
		unix.Close(fd)
		fmt.Printf("%-8s available (%s)\n", b.name, b.path)
		found = true
	}
	if !found {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
