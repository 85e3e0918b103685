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

package phone

import "testing"

func TestStateValid(t *testing.T) {
	valid := []State{StateIdle, StateInstalling, StateTesting, StateRebooting, StateDisconnected, StateDisabled}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("State(%q).Valid() = false, want true", s)
		}
	}
	if State("bogus").Valid() {
		t.Error("State(\"bogus\").Valid() = true, want false")
	}
}

func TestCacheRoundTrip(t *testing.T) {
	phones := []Config{
		{PhoneID: "aa_bb_01_nexus4", Serial: "SERIAL1", IP: "10.0.0.5", SUTCmdPort: 20701, MachineType: "nexus4", OSVersion: "4.4"},
		{PhoneID: "cc_dd_02_pixel", Serial: "SERIAL2", IP: "10.0.0.6", SUTCmdPort: 20701, MachineType: "pixel", OSVersion: "9"},
	}

	data, err := MarshalCache(phones)
	if err != nil {
		t.Fatalf("MarshalCache: %v", err)
	}

	got, err := UnmarshalCache(data)
	if err != nil {
		t.Fatalf("UnmarshalCache: %v", err)
	}
	if len(got) != len(phones) {
		t.Fatalf("got %d phones, want %d", len(got), len(phones))
	}
	for i := range phones {
		if got[i] != phones[i] {
			t.Errorf("phone %d = %+v, want %+v", i, got[i], phones[i])
		}
	}
}

func TestUnmarshalCacheEmpty(t *testing.T) {
	got, err := UnmarshalCache(nil)
	if err != nil {
		t.Fatalf("UnmarshalCache(nil): %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d phones, want 0", len(got))
	}
}

func TestUnmarshalCacheMalformed(t *testing.T) {
	if _, err := UnmarshalCache([]byte("{not json")); err == nil {
		t.Error("UnmarshalCache(malformed) returned nil error, want error")
	}
}
