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

// Package phone holds the data model shared across the coordinator and its
// workers: phone configuration, jobs, worker state, and status messages.
// These types cross the worker/coordinator boundary by value.
package phone

import (
	"encoding/json"
	"time"
)

// Config is the immutable configuration of one registered phone.
// PhoneID is the primary key and is derived deterministically from the
// device's MAC address and hardware type at registration time.
type Config struct {
	PhoneID     string `json:"phone_id"`
	Serial      string `json:"serial"`
	IP          string `json:"ip"`
	SUTCmdPort  int    `json:"sut_cmd_port"`
	MachineType string `json:"machine_type"`
	OSVersion   string `json:"os_version"`
}

// Job is one unit of install-and-test work, created by the dispatcher and
// consumed exactly once by each worker it is broadcast to.
type Job struct {
	ID              string `json:"id"`
	BuildURL        string `json:"build_url"`
	BuildDate       int64  `json:"build_date"` // epoch seconds
	Revision        string `json:"revision"`
	AndroidProcName string `json:"android_proc_name"`
	Version         string `json:"version"`
	BuildType       string `json:"build_type"`
}

// State is the worker-visible lifecycle state of a phone worker.
type State string

const (
	StateIdle         State = "IDLE"
	StateInstalling   State = "INSTALLING"
	StateTesting      State = "TESTING"
	StateRebooting    State = "REBOOTING"
	StateDisconnected State = "DISCONNECTED"
	StateDisabled     State = "DISABLED"
)

// Valid reports whether s is one of the defined worker states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateInstalling, StateTesting, StateRebooting, StateDisconnected, StateDisabled:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// StatusMessage is an immutable record a worker emits whenever its state
// changes, or on heartbeat.
type StatusMessage struct {
	ID        string    `json:"id"`
	PhoneID   string    `json:"phone_id"`
	State     State     `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Build     *int64    `json:"build,omitempty"` // epoch seconds
	Detail    string    `json:"detail,omitempty"`
}

// ShortDesc renders a one-line human summary of the message.
func (m StatusMessage) ShortDesc() string {
	if m.Detail != "" {
		return string(m.State) + ": " + m.Detail
	}
	return string(m.State)
}

// CommandKind tags the variant carried by a WorkerCommand.
type CommandKind int

const (
	CommandJob CommandKind = iota
	CommandReboot
	CommandShutdown
)

// WorkerCommand is the tagged union of messages a coordinator can enqueue
// onto a worker's command queue.
type WorkerCommand struct {
	Kind CommandKind
	Job  Job // valid only when Kind == CommandJob
}

// MarshalCache renders a FleetCache's phone list to the persisted JSON shape
// described by the cache file format: {"phones": [...]}.
func MarshalCache(phones []Config) ([]byte, error) {
	doc := struct {
		Phones []Config `json:"phones"`
	}{Phones: phones}
	return json.MarshalIndent(doc, "", "  ")
}

// UnmarshalCache parses a persisted cache document. An empty document
// yields an empty fleet and no error. A malformed document is reported as
// a parse error so the caller can decide (fleet.Registry.ReadCache logs
// and proceeds with an empty fleet).
func UnmarshalCache(data []byte) ([]Config, error) {
	var doc struct {
		Phones []Config `json:"phones"`
	}
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Phones, nil
}
