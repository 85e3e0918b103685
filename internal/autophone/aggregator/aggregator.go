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

// Package aggregator consumes the worker status stream and maintains the
// authoritative per-worker view the command server's status report reads.
//
// This is the corrected design from the design notes: a worker's own
// mutable state (disabled, current build, current state) is never read
// directly by the coordinator, since that state lives in a different
// goroutine's closure and reading it without synchronization would be a
// race. Status messages are the only channel carrying worker state back to
// the coordinator, and the aggregator is the only place that state is held
// on the coordinator's side.
package aggregator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"autophone/internal/autophone/phone"
)

// WorkerView is the coordinator-side record of one phone's worker state,
// maintained by Aggregator.Run. Invariant: if Last is non-nil,
// FirstOfCurrentType.State == Last.State, and LastOfPreviousType.State !=
// Last.State whenever LastOfPreviousType is non-nil.
type WorkerView struct {
	Last               *phone.StatusMessage
	FirstOfCurrentType *phone.StatusMessage
	LastOfPreviousType *phone.StatusMessage
}

// Aggregator runs the single consumer loop over a worker status channel.
type Aggregator struct {
	mu     sync.RWMutex
	views  map[string]*WorkerView
	logger *slog.Logger
}

// New constructs an empty Aggregator.
func New(logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{views: make(map[string]*WorkerView), logger: logger}
}

// Run consumes statusCh until it closes or ctx is done. There is exactly
// one caller of Run per Aggregator, matching the single-consumer design.
func (a *Aggregator) Run(ctx context.Context, statusCh <-chan phone.StatusMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-statusCh:
			if !ok {
				return
			}
			a.observe(msg)
		}
	}
}

func (a *Aggregator) observe(msg phone.StatusMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	view, ok := a.views[msg.PhoneID]
	if !ok {
		view = &WorkerView{}
		a.views[msg.PhoneID] = view
	}

	copied := msg
	if view.Last == nil || view.Last.State != msg.State {
		view.LastOfPreviousType = view.Last
		view.FirstOfCurrentType = &copied
	}
	view.Last = &copied

	a.logger.Info("status", "phone_id", msg.PhoneID, "state", msg.State, "detail", msg.Detail)
}

// View returns a snapshot of one phone's view, or false if no status has
// ever been observed for it.
func (a *Aggregator) View(phoneID string) (WorkerView, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.views[phoneID]
	if !ok {
		return WorkerView{}, false
	}
	return *v, true
}

// Views returns a snapshot of every phone_id currently tracked, for the
// status command report.
func (a *Aggregator) Views() map[string]WorkerView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]WorkerView, len(a.views))
	for id, v := range a.views {
		out[id] = *v
	}
	return out
}

// FormatStatusLine renders one worker's status report line: current build,
// time since last update, current state and its duration, and previous
// state and its age if any.
func FormatStatusLine(phoneID string, v WorkerView, now time.Time) string {
	if v.Last == nil {
		return phoneID + ": no status received"
	}

	build := "unknown"
	if v.Last.Build != nil {
		build = time.Unix(*v.Last.Build, 0).UTC().Format("2006-01-02 15:04:05")
	}

	line := phoneID + ": current build: " + build +
		", last update " + now.Sub(v.Last.Timestamp).Round(time.Second).String() + " ago" +
		", state " + string(v.Last.State)

	if v.FirstOfCurrentType != nil {
		line += " for " + now.Sub(v.FirstOfCurrentType.Timestamp).Round(time.Second).String()
	}
	if v.LastOfPreviousType != nil {
		line += ", previously " + string(v.LastOfPreviousType.State) +
			" (" + now.Sub(v.LastOfPreviousType.Timestamp).Round(time.Second).String() + " ago)"
	}
	return line
}
