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

package metrics

import (
	"testing"
	"time"

	"autophone/internal/autophone/phone"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistrySetState(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.SetState("P1", phone.StateTesting)

	got := testutil.ToFloat64(r.workerState.WithLabelValues("P1"))
	if got != stateOrdinal[phone.StateTesting] {
		t.Errorf("worker_state = %v, want %v", got, stateOrdinal[phone.StateTesting])
	}
}

func TestRegistryCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.QueueDepth("P1", 3)
	r.DroppedMessage("P1", "command_queue")
	r.RecoveryAttempt("P1")
	r.CommandDuration("P1", "job", 2*time.Second)

	if got := testutil.ToFloat64(r.queueDepth.WithLabelValues("P1")); got != 3 {
		t.Errorf("queue_depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.droppedTotal.WithLabelValues("P1", "command_queue")); got != 1 {
		t.Errorf("dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.recoveryAttempts.WithLabelValues("P1")); got != 1 {
		t.Errorf("recovery_attempts = %v, want 1", got)
	}
}
