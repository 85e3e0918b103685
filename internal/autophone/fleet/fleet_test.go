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

package fleet

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autophone/internal/autophone/driver"
	"autophone/internal/autophone/phone"
	"autophone/internal/autophone/worker"
)

func newTestRegistry(t *testing.T, cachePath string) (*Registry, *int) {
	t.Helper()
	starts := 0
	factory := func(cfg phone.Config, index int) *worker.Worker {
		starts++
		statusCh := make(chan phone.StatusMessage, 16)
		return worker.New(worker.Params{
			PhoneID:    cfg.PhoneID,
			Serial:     cfg.Serial,
			IP:         cfg.IP,
			SUTCmdPort: cfg.SUTCmdPort,
			Index:      index,
			Driver:     driver.NewFake(),
			StatusCh:   statusCh,
		})
	}
	return New(context.Background(), cachePath, factory, nil), &starts
}

func TestRegisterNewAndDuplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	r, starts := newTestRegistry(t, path)

	cfg := phone.Config{PhoneID: "aa_bb_01_nexus4", Serial: "S1", IP: "10.0.0.5", SUTCmdPort: 20701}
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register (duplicate): %v", err)
	}
	if *starts != 1 {
		t.Errorf("worker started %d times, want 1", *starts)
	}
	if len(r.Configs()) != 1 {
		t.Errorf("Configs = %v, want 1 entry", r.Configs())
	}
	r.StopAll()
}

func TestRegisterUpdateDoesNotRestartWorker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	r, starts := newTestRegistry(t, path)

	cfg := phone.Config{PhoneID: "aa_bb_01_nexus4", Serial: "S1", IP: "10.0.0.5", SUTCmdPort: 20701}
	if err := r.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	updated := cfg
	updated.IP = "10.0.0.9"
	updated.Serial = "S2"
	if err := r.Register(updated); err != nil {
		t.Fatalf("Register (update): %v", err)
	}

	if *starts != 1 {
		t.Errorf("worker started %d times, want 1 (update must not restart)", *starts)
	}
	got := r.Configs()
	if len(got) != 1 || got[0].IP != "10.0.0.9" || got[0].Serial != "S2" {
		t.Errorf("Configs = %+v, want updated fields in place", got)
	}
	r.StopAll()
}

func TestCacheRoundTripAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	r1, _ := newTestRegistry(t, path)
	cfg1 := phone.Config{PhoneID: "aa_bb_01_nexus4", Serial: "S1", IP: "10.0.0.5", SUTCmdPort: 20701}
	cfg2 := phone.Config{PhoneID: "cc_dd_02_pixel", Serial: "S2", IP: "10.0.0.6", SUTCmdPort: 20701}
	if err := r1.Register(cfg1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r1.Register(cfg2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r1.StopAll()

	r2, starts2 := newTestRegistry(t, path)
	if err := r2.ReadCache(); err != nil {
		t.Fatalf("ReadCache: %v", err)
	}
	if *starts2 != 2 {
		t.Errorf("worker started %d times after restart, want 2", *starts2)
	}
	got := r2.Configs()
	if len(got) != 2 {
		t.Fatalf("Configs after restart = %+v, want 2 entries", got)
	}
	ids := map[string]bool{got[0].PhoneID: true, got[1].PhoneID: true}
	if !ids["aa_bb_01_nexus4"] || !ids["cc_dd_02_pixel"] {
		t.Errorf("phone_id set after restart = %v, want both original ids", ids)
	}
	r2.StopAll()
}

func TestResetIgnoresPriorFleet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	if err := os.WriteFile(path, []byte(`{"phones": [{"phone_id": "stale"}]}`), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	r, starts := newTestRegistry(t, path)
	if err := r.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := r.ReadCache(); err != nil {
		t.Fatalf("ReadCache: %v", err)
	}
	if *starts != 0 {
		t.Errorf("worker started %d times after Reset, want 0", *starts)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	var doc struct {
		Phones []phone.Config `json:"phones"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal cache: %v", err)
	}
	if len(doc.Phones) != 0 {
		t.Errorf("cache phones = %v, want empty", doc.Phones)
	}
}

func TestBroadcastReachesAllWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	var statusChs []chan phone.StatusMessage
	factory := func(cfg phone.Config, index int) *worker.Worker {
		ch := make(chan phone.StatusMessage, 16)
		statusChs = append(statusChs, ch)
		return worker.New(worker.Params{
			PhoneID:    cfg.PhoneID,
			Serial:     cfg.Serial,
			IP:         cfg.IP,
			SUTCmdPort: cfg.SUTCmdPort,
			Index:      index,
			Driver:     driver.NewFake(),
			StatusCh:   ch,
			Config: worker.Config{
				MaxRebootAttempts:     3,
				MaxRebootWait:         time.Millisecond,
				RecoveryProbeInterval: time.Millisecond,
				IdleProbeTimeout:      time.Hour,
				InterTestSleep:        0,
				CommandQueueCapacity:  4,
			},
		})
	}
	r := New(context.Background(), path, factory, nil)
	if err := r.Register(phone.Config{PhoneID: "p1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(phone.Config{PhoneID: "p2"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r.Broadcast(phone.Job{BuildURL: "http://x/foo.apk", BuildDate: 1})

	for i, ch := range statusChs {
		select {
		case msg := <-ch:
			if msg.State != phone.StateInstalling {
				t.Errorf("worker %d first state = %s, want INSTALLING", i, msg.State)
			}
		case <-time.After(time.Second):
			t.Errorf("worker %d never received the broadcast job", i)
		}
	}
	r.StopAll()
}
