package scheduler

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() PersistedState {
	return PersistedState{
		Tasks: []PersistedTask{
			{
				Asset: "bitcoin", Tier: "HIGH_FREQUENCY",
				LastSuccessAt: 1_700_000_000_000, NextFireAt: 1_700_000_900_000,
				ConsecutiveFailures: 0, Successes: 12, Failures: 1,
				State: StateIdle,
			},
			{
				Asset: "ethereum", Tier: "HOURLY",
				NextFireAt: 1_700_003_600_000,
				State:      StateCooling, ConsecutiveFailures: 2, Failures: 2,
			},
		},
		Metrics: PersistedMetrics{APICallsToday: 42, LastResetDate: "2023-11-14"},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "scheduler.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(sampleState()))

	loaded, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateVersion, loaded.Version)
	assert.NotZero(t, loaded.LastUpdated)
	require.Len(t, loaded.Tasks, 2)
	assert.Equal(t, sampleState().Tasks, loaded.Tasks)
	assert.Equal(t, sampleState().Metrics, loaded.Metrics)
}

func TestFileStoreLoadMissingFileIsNotAnError(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))
	_, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStorePreservesUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")

	// A newer writer added fields this version does not know about.
	raw := map[string]interface{}{
		"version":     StateVersion,
		"lastUpdated": 1,
		"futureField": map[string]interface{}{"nested": true},
		"tasks": []map[string]interface{}{
			{
				"assetId": "bitcoin", "tier": "HIGH_FREQUENCY",
				"lastSuccessAt": 0, "nextFireAt": 0,
				"consecutiveFailures": 0, "successes": 0, "failures": 0,
				"state":     "IDLE",
				"futureTag": "keep-me",
			},
		},
		"metrics": map[string]interface{}{"apiCallsToday": 0, "lastResetDate": ""},
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	store := NewFileStore(path)
	state, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)

	// Read-modify-write must carry the unknown fields through.
	state.Tasks[0].Successes = 5
	require.NoError(t, store.Save(state))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	var reread map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &reread))
	assert.Contains(t, reread, "futureField")

	var tasks []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reread["tasks"], &tasks))
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0], "futureTag")
	assert.JSONEq(t, `"keep-me"`, string(tasks[0]["futureTag"]))
	assert.JSONEq(t, `5`, string(tasks[0]["successes"]))
}

func TestFileStoreRejectsIncompatibleMajorVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	data, err := json.Marshal(map[string]interface{}{
		"version": "2.0.0",
		"tasks":   []interface{}{},
		"metrics": map[string]interface{}{},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, _, err = NewFileStore(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incompatible")
}

func TestFileStoreAcceptsNewerMinorVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	data, err := json.Marshal(map[string]interface{}{
		"version": "1.7.3",
		"tasks":   []interface{}{},
		"metrics": map[string]interface{}{},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, ok, err := NewFileStore(path).Load()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, _, err := NewFileStore(path).Load()
	require.Error(t, err)
}
