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

// Package metrics exposes the coordinator's Prometheus collectors and
// implements the worker package's Observer interface against them.
package metrics

import (
	"time"

	"autophone/internal/autophone/phone"

	"github.com/prometheus/client_golang/prometheus"
)

// stateOrdinal exports state as a gauge value so dashboards can graph
// transitions over time.
var stateOrdinal = map[phone.State]float64{
	phone.StateIdle:         0,
	phone.StateInstalling:   1,
	phone.StateTesting:      2,
	phone.StateRebooting:    3,
	phone.StateDisconnected: 4,
	phone.StateDisabled:     5,
}

// Registry holds the collectors the coordinator publishes on /metrics and
// implements worker.Observer against them.
type Registry struct {
	workerState      *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	droppedTotal     *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
}

// NewRegistry creates and registers the AutoPhone collector set against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autophone_worker_state",
			Help: "Current worker state, as an ordinal (0=IDLE .. 5=DISABLED).",
		}, []string{"phone_id"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autophone_queue_depth",
			Help: "Number of commands queued for a worker.",
		}, []string{"phone_id"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autophone_dropped_commands_total",
			Help: "Messages dropped because a bounded queue was full.",
		}, []string{"phone_id", "queue"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autophone_recovery_attempts_total",
			Help: "Reboot attempts made by the recovery protocol.",
		}, []string{"phone_id"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autophone_command_duration_seconds",
			Help:    "Time a worker spends handling one command.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}, []string{"phone_id", "kind"}),
	}
	reg.MustRegister(r.workerState, r.queueDepth, r.droppedTotal, r.recoveryAttempts, r.commandDuration)
	return r
}

// SetState implements worker.Observer.
func (r *Registry) SetState(phoneID string, s phone.State) {
	r.workerState.WithLabelValues(phoneID).Set(stateOrdinal[s])
}

// QueueDepth implements worker.Observer.
func (r *Registry) QueueDepth(phoneID string, depth int) {
	r.queueDepth.WithLabelValues(phoneID).Set(float64(depth))
}

// DroppedMessage implements worker.Observer.
func (r *Registry) DroppedMessage(phoneID, queue string) {
	r.droppedTotal.WithLabelValues(phoneID, queue).Inc()
}

// RecoveryAttempt implements worker.Observer.
func (r *Registry) RecoveryAttempt(phoneID string) {
	r.recoveryAttempts.WithLabelValues(phoneID).Inc()
}

// CommandDuration implements worker.Observer.
func (r *Registry) CommandDuration(phoneID, kind string, d time.Duration) {
	r.commandDuration.WithLabelValues(phoneID, kind).Observe(d.Seconds())
}
