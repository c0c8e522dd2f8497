package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadState(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rec := StateRecord{EquipmentID: "eq-1", StateID: "baseline", Data: map[string]any{"voltage": 5.0}}
	if err := s.SaveState(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok := s.LoadState("eq-1", "baseline")
	if !ok {
		t.Fatalf("expected state to be loadable")
	}
	if got.Data["voltage"] != 5.0 {
		t.Fatalf("unexpected data: %+v", got.Data)
	}

	if _, err := os.Stat(filepath.Join(dir, "equipment_states", "eq-1_baseline.json")); err != nil {
		t.Fatalf("expected state file on disk: %v", err)
	}
}

func TestReopenedStoreReloadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	s1, _ := New(dir, nil)
	s1.SaveState(StateRecord{EquipmentID: "eq-2", StateID: "a", Data: map[string]any{"x": 1.0}})

	s2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := s2.LoadState("eq-2", "a")
	if !ok || got.Data["x"] != 1.0 {
		t.Fatalf("expected reopened store to see persisted state, got %+v ok=%v", got, ok)
	}
}

func TestMalformedStateFileIsSkippedWithoutFailingLoad(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "equipment_states"), 0o755)
	os.WriteFile(filepath.Join(dir, "equipment_states", "bad.json"), []byte("{not json"), 0o644)

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("expected malformed entries to be tolerated, got error: %v", err)
	}
	if len(s.ListStates("anything")) != 0 {
		t.Fatalf("expected no states loaded from a malformed file")
	}
}

func TestMalformedAlarmsFileIsIgnoredWholesale(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "alarms.json"), []byte("not json at all"), 0o644)

	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(s.AlarmRecords()) != 0 {
		t.Fatalf("expected no alarm records from a malformed alarms.json")
	}
}

func TestDeleteStateRemovesFileAndIndex(t *testing.T) {
	dir := t.TempDir()
	s, _ := New(dir, nil)
	s.SaveState(StateRecord{EquipmentID: "eq-3", StateID: "b", Data: map[string]any{}})

	if err := s.DeleteState("eq-3", "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.LoadState("eq-3", "b"); ok {
		t.Fatalf("expected state gone after delete")
	}
	if err := s.DeleteState("eq-3", "b"); err != nil {
		t.Fatalf("expected deleting an already-deleted state to be a no-op, got %v", err)
	}
}

func TestAlarmAndJobRoundTripThroughDisk(t *testing.T) {
	dir := t.TempDir()
	s1, _ := New(dir, nil)

	type alarmLike struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := s1.SaveAlarm("al-1", alarmLike{ID: "al-1", Name: "high voltage"}); err != nil {
		t.Fatalf("save alarm: %v", err)
	}
	if err := s1.SaveJob("job-1", map[string]any{"id": "job-1", "operation": "get_readings"}); err != nil {
		t.Fatalf("save job: %v", err)
	}

	s2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(s2.AlarmRecords()) != 1 {
		t.Fatalf("expected 1 alarm record after reopen, got %d", len(s2.AlarmRecords()))
	}
	if len(s2.JobRecords()) != 1 {
		t.Fatalf("expected 1 job record after reopen, got %d", len(s2.JobRecords()))
	}

	if err := s2.DeleteAlarm("al-1"); err != nil {
		t.Fatalf("delete alarm: %v", err)
	}
	if len(s2.AlarmRecords()) != 0 {
		t.Fatalf("expected alarm removed after delete")
	}
}
