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

// Package testplugin loads the battery of tests a worker runs against each
// installed build. Tests are configured, not dynamically discovered: a
// manifest file names each test and the built-in kind that runs it, and
// LoadManifest resolves each entry against a small registration table.
package testplugin

import (
	"context"
	"fmt"

	"autophone/internal/autophone/driver"
	"autophone/internal/autophone/phone"

	"gopkg.in/ini.v1"
)

// TestPlugin is one entry in a worker's test battery, run in the order the
// manifest declares it.
type TestPlugin interface {
	// Name identifies the test in logs and the status report.
	Name() string

	// Run executes the test once against the installed build. A returned
	// error is the test "throwing", per the recovery protocol; it does not
	// necessarily mean the test assertion failed, only that this attempt
	// could not complete.
	Run(ctx context.Context, drv driver.Driver, serial string, job phone.Job) error
}

// factory builds a TestPlugin from one manifest section's keys.
type factory func(name string, section *ini.Section) (TestPlugin, error)

// registry maps a manifest section's "type" key to the factory that builds
// it. New test kinds are added here, not loaded from external code.
var registry = map[string]factory{
	"shell": newShellTest,
}

// LoadManifest reads an ini-shaped manifest and returns the ordered list of
// TestPlugins it declares. Section order in the file is preserved; section
// DEFAULT is skipped. An unknown "type" value is an error, since there is no
// dynamic fallback.
func LoadManifest(path string) ([]TestPlugin, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("testplugin: load manifest %s: %w", path, err)
	}

	var tests []TestPlugin
	for _, section := range cfg.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		kind := section.Key("type").String()
		if kind == "" {
			kind = "shell"
		}
		build, ok := registry[kind]
		if !ok {
			return nil, fmt.Errorf("testplugin: manifest section %q: unknown type %q", section.Name(), kind)
		}
		plugin, err := build(section.Name(), section)
		if err != nil {
			return nil, fmt.Errorf("testplugin: manifest section %q: %w", section.Name(), err)
		}
		tests = append(tests, plugin)
	}
	return tests, nil
}

// shellTest runs a single opaque command through the device driver's USB
// control channel.
type shellTest struct {
	name    string
	command string
}

func newShellTest(name string, section *ini.Section) (TestPlugin, error) {
	command := section.Key("command").String()
	if command == "" {
		return nil, fmt.Errorf("missing command key")
	}
	return &shellTest{name: name, command: command}, nil
}

func (t *shellTest) Name() string { return t.name }

func (t *shellTest) Run(ctx context.Context, drv driver.Driver, serial string, job phone.Job) error {
	return drv.RunTest(ctx, serial, t.command)
}
