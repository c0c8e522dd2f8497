// Package storage persists equipment named-state snapshots, alarm
// definitions, and scheduled jobs as small JSON files under a data
// directory, per spec §6's persisted-state layout. It is read at startup;
// a malformed state file is skipped, and a malformed alarms.json or
// schedule.json is ignored as a whole, each with a logged warning rather
// than failing the whole load.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/r3e-labs/instrument-gateway/pkg/logger"
)

// StateRecord is one named equipment-state snapshot, keyed by
// (equipment_id, state_id) and stored at
// equipment_states/{equipment_id}_{state_id}.json.
type StateRecord struct {
	EquipmentID string         `json:"equipment_id"`
	StateID     string         `json:"state_id"`
	Data        map[string]any `json:"data"`
}

// Store is the JSON-file-backed persistence layer. All three record kinds
// share one data directory but live in their own files/subdirectory, so a
// corrupt alarms.json never affects schedule.json or vice versa.
type Store struct {
	dir string
	log *logger.Logger

	mu     sync.Mutex
	states map[string]StateRecord // key: equipmentID+"_"+stateID
	alarms map[string]json.RawMessage
	jobs   map[string]json.RawMessage
}

// New constructs a Store rooted at dir, creating it if necessary, and loads
// whatever persisted state already exists there.
func New(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewDefault("storage")
	}
	if err := os.MkdirAll(filepath.Join(dir, "equipment_states"), 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:    dir,
		log:    log,
		states: map[string]StateRecord{},
		alarms: map[string]json.RawMessage{},
		jobs:   map[string]json.RawMessage{},
	}
	s.loadStates()
	s.loadMapFile("alarms.json", s.alarms)
	s.loadMapFile("schedule.json", s.jobs)
	return s, nil
}

func stateKey(equipmentID, stateID string) string { return equipmentID + "_" + stateID }

func (s *Store) loadStates() {
	dir := filepath.Join(s.dir, "equipment_states")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.log.WithError(err).Warnf("skipping unreadable equipment state file %s", e.Name())
			continue
		}
		var rec StateRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.log.WithError(err).Warnf("skipping malformed equipment state file %s", e.Name())
			continue
		}
		s.states[stateKey(rec.EquipmentID, rec.StateID)] = rec
	}
}

// loadMapFile reads a flat {id: record} JSON object, skipping the whole
// file (with a logged warning) if it doesn't parse — individual malformed
// entries inside a well-formed object are not otherwise distinguishable at
// this layer, since a broken field fails the one json.Unmarshal call for
// the object as a whole.
func (s *Store) loadMapFile(name string, into map[string]json.RawMessage) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		s.log.WithError(err).Warnf("ignoring malformed %s", name)
		return
	}
	for k, v := range m {
		into[k] = v
	}
}

// SaveState writes one named equipment-state snapshot to disk.
func (s *Store) SaveState(rec StateRecord) error {
	s.mu.Lock()
	s.states[stateKey(rec.EquipmentID, rec.StateID)] = rec
	s.mu.Unlock()

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, "equipment_states", stateKey(rec.EquipmentID, rec.StateID)+".json")
	return os.WriteFile(path, raw, 0o644)
}

// LoadState returns a previously saved named state snapshot.
func (s *Store) LoadState(equipmentID, stateID string) (StateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[stateKey(equipmentID, stateID)]
	return rec, ok
}

// ListStates returns every saved state for one equipment ID.
func (s *Store) ListStates(equipmentID string) []StateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StateRecord, 0)
	for _, rec := range s.states {
		if rec.EquipmentID == equipmentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StateID < out[j].StateID })
	return out
}

// DeleteState removes one named state snapshot.
func (s *Store) DeleteState(equipmentID, stateID string) error {
	s.mu.Lock()
	delete(s.states, stateKey(equipmentID, stateID))
	s.mu.Unlock()
	path := filepath.Join(s.dir, "equipment_states", stateKey(equipmentID, stateID)+".json")
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SaveAlarm persists an alarm definition by ID under alarms.json, and
// SaveJob persists a scheduled job by ID under schedule.json. Both use the
// same flat-map-of-raw-JSON representation so the Alarm Engine and
// Scheduler packages (which own their own concrete types) can serialize
// their own records without this package importing either.
func (s *Store) SaveAlarm(id string, record any) error { return s.saveMapEntry("alarms.json", s.alarms, id, record) }

// DeleteAlarm removes an alarm record.
func (s *Store) DeleteAlarm(id string) error { return s.deleteMapEntry("alarms.json", s.alarms, id) }

// AlarmRecords returns every persisted alarm as raw JSON, for the
// composition root to unmarshal into its own alarm.Alarm type at startup.
func (s *Store) AlarmRecords() map[string]json.RawMessage { return s.snapshotMap(s.alarms) }

// SaveJob persists a scheduled job record.
func (s *Store) SaveJob(id string, record any) error { return s.saveMapEntry("schedule.json", s.jobs, id, record) }

// DeleteJob removes a scheduled job record.
func (s *Store) DeleteJob(id string) error { return s.deleteMapEntry("schedule.json", s.jobs, id) }

// JobRecords returns every persisted job as raw JSON.
func (s *Store) JobRecords() map[string]json.RawMessage { return s.snapshotMap(s.jobs) }

func (s *Store) snapshotMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) saveMapEntry(file string, m map[string]json.RawMessage, id string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.mu.Lock()
	m[id] = raw
	snapshot := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return writeMapFile(s.dir, file, snapshot)
}

func (s *Store) deleteMapEntry(file string, m map[string]json.RawMessage, id string) error {
	s.mu.Lock()
	delete(m, id)
	snapshot := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return writeMapFile(s.dir, file, snapshot)
}

func writeMapFile(dir, name string, m map[string]json.RawMessage) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}
