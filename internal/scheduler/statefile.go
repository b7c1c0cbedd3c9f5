package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/coinsentry/coinsentry/internal/market"
)

// StateVersion is the current on-disk schema version. Restores accept any
// state file with the same major version.
const StateVersion = "1.0.0"

// PersistedTask is the durable slice of task state.
type PersistedTask struct {
	Asset               market.AssetID `json:"assetId"`
	Tier                market.Tier    `json:"tier"`
	LastSuccessAt       int64          `json:"lastSuccessAt"` // epoch ms, 0 = never
	NextFireAt          int64          `json:"nextFireAt"`    // epoch ms
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	Successes           int64          `json:"successes"`
	Failures            int64          `json:"failures"`
	State               TaskState      `json:"state"`
}

// PersistedMetrics is the durable rollup written alongside task state.
type PersistedMetrics struct {
	APICallsToday int64  `json:"apiCallsToday"`
	LastResetDate string `json:"lastResetDate"` // YYYY-MM-DD UTC
}

// PersistedState is the versioned record written on every task transition.
type PersistedState struct {
	Version     string           `json:"version"`
	LastUpdated int64            `json:"lastUpdated"` // epoch ms
	Tasks       []PersistedTask  `json:"tasks"`
	Metrics     PersistedMetrics `json:"metrics"`
}

// StateStore persists scheduler state across restarts.
type StateStore interface {
	Save(state PersistedState) error
	Load() (PersistedState, bool, error)
}

// FileStore is a JSON file-backed StateStore. Unknown fields found on load
// are carried through read-modify-write cycles so newer writers' data
// survives a rollback. Writes are atomic (temp file + rename).
type FileStore struct {
	path string

	// extras holds top-level unknown fields from the last load.
	extras map[string]json.RawMessage
	// taskExtras holds per-task unknown fields keyed by assetId|tier.
	taskExtras map[string]map[string]json.RawMessage
}

// NewFileStore creates a store writing to path; parent directories are
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:       path,
		extras:     make(map[string]json.RawMessage),
		taskExtras: make(map[string]map[string]json.RawMessage),
	}
}

var knownStateFields = map[string]bool{
	"version": true, "lastUpdated": true, "tasks": true, "metrics": true,
}

var knownTaskFields = map[string]bool{
	"assetId": true, "tier": true, "lastSuccessAt": true, "nextFireAt": true,
	"consecutiveFailures": true, "successes": true, "failures": true, "state": true,
}

func taskExtraKey(asset market.AssetID, tier market.Tier) string {
	return string(asset) + "|" + string(tier)
}

// Load reads and validates the state file. ok=false means no prior state.
func (s *FileStore) Load() (PersistedState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return PersistedState{}, false, nil
		}
		return PersistedState{}, false, fmt.Errorf("failed to read state file: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return PersistedState{}, false, fmt.Errorf("failed to parse state file: %w", err)
	}

	var state PersistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedState{}, false, fmt.Errorf("failed to decode state file: %w", err)
	}

	if err := checkVersion(state.Version); err != nil {
		return PersistedState{}, false, err
	}

	// Remember unknown top-level fields.
	s.extras = make(map[string]json.RawMessage)
	for k, v := range raw {
		if !knownStateFields[k] {
			s.extras[k] = v
		}
	}

	// Remember unknown per-task fields.
	s.taskExtras = make(map[string]map[string]json.RawMessage)
	var rawTasks []map[string]json.RawMessage
	if tasksRaw, ok := raw["tasks"]; ok {
		if err := json.Unmarshal(tasksRaw, &rawTasks); err == nil {
			for i, rt := range rawTasks {
				if i >= len(state.Tasks) {
					break
				}
				extras := make(map[string]json.RawMessage)
				for k, v := range rt {
					if !knownTaskFields[k] {
						extras[k] = v
					}
				}
				if len(extras) > 0 {
					key := taskExtraKey(state.Tasks[i].Asset, state.Tasks[i].Tier)
					s.taskExtras[key] = extras
				}
			}
		}
	}

	log.Debug().
		Str("path", s.path).
		Int("tasks", len(state.Tasks)).
		Str("version", state.Version).
		Msg("Loaded scheduler state")
	return state, true, nil
}

// Save writes the state atomically, re-attaching any unknown fields captured
// by the previous Load.
func (s *FileStore) Save(state PersistedState) error {
	state.Version = StateVersion
	state.LastUpdated = time.Now().UnixMilli()

	out := make(map[string]interface{}, len(s.extras)+4)
	for k, v := range s.extras {
		out[k] = v
	}
	out["version"] = state.Version
	out["lastUpdated"] = state.LastUpdated
	out["metrics"] = state.Metrics

	tasks := make([]map[string]interface{}, 0, len(state.Tasks))
	for _, t := range state.Tasks {
		entry := map[string]interface{}{
			"assetId":             t.Asset,
			"tier":                t.Tier,
			"lastSuccessAt":       t.LastSuccessAt,
			"nextFireAt":          t.NextFireAt,
			"consecutiveFailures": t.ConsecutiveFailures,
			"successes":           t.Successes,
			"failures":            t.Failures,
			"state":               t.State,
		}
		for k, v := range s.taskExtras[taskExtraKey(t.Asset, t.Tier)] {
			entry[k] = v
		}
		tasks = append(tasks, entry)
	}
	out["tasks"] = tasks

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// checkVersion accepts any state with the same major version.
func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("state file missing version")
	}
	got, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("state file has invalid version %q: %w", v, err)
	}
	want := semver.MustParse(StateVersion)
	if got.Major() != want.Major() {
		return fmt.Errorf("state file version %s is incompatible with %s", v, StateVersion)
	}
	return nil
}

// MemoryStore is an in-memory StateStore for tests.
type MemoryStore struct {
	state PersistedState
	saved bool
	Saves int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(state PersistedState) error {
	state.Version = StateVersion
	state.LastUpdated = time.Now().UnixMilli()
	m.state = state
	m.saved = true
	m.Saves++
	return nil
}

func (m *MemoryStore) Load() (PersistedState, bool, error) {
	return m.state, m.saved, nil
}
