// AutoPhone is a continuous-integration dispatcher for on-device test farms.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package driver

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Fake is an in-memory Driver for worker and coordinator tests. It records
// every call and lets a test script outcomes (failed probes, install
// errors, reboots that never bring the shell back).
type Fake struct {
	mu sync.Mutex

	AvailableErr error

	RebootErr      error
	RebootCount    int
	ShellUpAfter   int // ShellProbe returns true once this many reboots have happened
	ShellProbeErr  error
	shellProbes    int
	InstallErr     error
	InstallCount   int
	SUTSocketConns map[string]net.Conn // keyed by "ip:port"
	SUTRebootErr   error

	// RunTestErrs, if non-nil, supplies the error to return for the Nth
	// call to RunTest (0-indexed); calls past the end of the slice return
	// RunTestErr.
	RunTestErrs []error
	RunTestErr  error
	RunTestCount int

	Calls []string
}

// NewFake returns a Fake driver that is healthy by default: Available
// succeeds, reboots succeed immediately, and ShellProbe reports true.
func NewFake() *Fake {
	return &Fake{ShellUpAfter: 0, SUTSocketConns: map[string]net.Conn{}}
}

func (f *Fake) record(call string) {
	f.Calls = append(f.Calls, call)
}

func (f *Fake) Available(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Available")
	return f.AvailableErr
}

func (f *Fake) Reboot(ctx context.Context, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("Reboot(%s)", serial))
	f.RebootCount++
	return f.RebootErr
}

func (f *Fake) ShellProbe(ctx context.Context, serial string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("ShellProbe(%s)", serial))
	if f.ShellProbeErr != nil {
		return false, f.ShellProbeErr
	}
	f.shellProbes++
	return f.RebootCount >= f.ShellUpAfter, nil
}

func (f *Fake) InstallBuild(ctx context.Context, phoneID, url, procName, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("InstallBuild(%s,%s)", phoneID, url))
	f.InstallCount++
	return f.InstallErr
}

func (f *Fake) RunTest(ctx context.Context, serial, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("RunTest(%s,%s)", serial, command))
	idx := f.RunTestCount
	f.RunTestCount++
	if idx < len(f.RunTestErrs) {
		return f.RunTestErrs[idx]
	}
	return f.RunTestErr
}

func (f *Fake) OpenSUTSocket(ctx context.Context, ip string, port int) (net.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", ip, port)
	f.record("OpenSUTSocket(" + key + ")")
	return f.SUTSocketConns[key], nil
}

func (f *Fake) SUTReboot(ctx context.Context, ip string, port int, callbackIP string, callbackPort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(fmt.Sprintf("SUTReboot(%s:%d)", ip, port))
	f.RebootCount++
	return f.SUTRebootErr
}

var _ Driver = (*Fake)(nil)
