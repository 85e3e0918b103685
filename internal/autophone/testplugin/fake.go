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

package testplugin

import (
	"context"
	"sync"

	"autophone/internal/autophone/driver"
	"autophone/internal/autophone/phone"
)

// Fake is an in-memory TestPlugin for worker tests. Errs supplies the
// result of the Nth call (0-indexed); calls past the end of Errs succeed.
type Fake struct {
	NameVal string
	Errs    []error

	mu    sync.Mutex
	Calls int
}

func (f *Fake) Name() string {
	if f.NameVal != "" {
		return f.NameVal
	}
	return "fake-test"
}

func (f *Fake) Run(ctx context.Context, drv driver.Driver, serial string, job phone.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.Calls
	f.Calls++
	if idx < len(f.Errs) {
		return f.Errs[idx]
	}
	return nil
}

var _ TestPlugin = (*Fake)(nil)
