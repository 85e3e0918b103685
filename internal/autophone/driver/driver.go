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

// Package driver defines the narrow interface workers use to control a
// physical device: USB-attached control channel (ADB-equivalent) and the
// on-device SUT agent's TCP command port. ADB is the production
// implementation; Fake backs tests.
package driver

import (
	"context"
	"net"
)

// Driver is the external device-control collaborator named in the system
// design. Each phone worker holds exactly one Driver bound to its device;
// there is no contention between workers since devices are owned 1:1.
type Driver interface {
	// Available reports whether the underlying control tool (e.g. adb) is
	// present and usable. Called once at coordinator startup.
	Available(ctx context.Context) error

	// Reboot reboots the device over its USB-attached control channel.
	Reboot(ctx context.Context, serial string) error

	// ShellProbe returns whether a shell-level liveness command succeeds.
	ShellProbe(ctx context.Context, serial string) (bool, error)

	// InstallBuild downloads and installs the artifact at url, uninstalling
	// procName first if already present.
	InstallBuild(ctx context.Context, phoneID, url, procName, serial string) error

	// RunTest invokes one configured test against the device. command is
	// opaque to the worker; it is whatever the manifest entry configured
	// (typically a shell command run through the USB control channel).
	// A returned error is treated as the test throwing, per the recovery
	// protocol; a nil error is a normal return.
	RunTest(ctx context.Context, serial, command string) error

	// OpenSUTSocket attempts to connect to the on-device SUT agent. A nil,
	// nil return means the agent did not answer; callers should not treat
	// that as an error, only as "not yet recovered".
	OpenSUTSocket(ctx context.Context, ip string, port int) (net.Conn, error)

	// SUTReboot triggers a reboot through the on-device SUT agent, which
	// re-registers via the register command once it is back up.
	SUTReboot(ctx context.Context, ip string, port int, callbackIP string, callbackPort int) error
}
