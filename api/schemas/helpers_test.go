package schemas_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

// -- Test Helpers --

// getTestTime provides a fixed, reproducible timestamp for consistent test results.
func getTestTime(t *testing.T) time.Time {
	// Using RFC3339Nano ensures maximum precision, and UTC avoids timezone issues.
	ts, err := time.Parse(time.RFC3339Nano, "2025-10-26T10:00:00.123456789Z")
	require.NoError(t, err, "Test setup failed: unable to parse fixed timestamp")
	return ts
}

// newTestSnapshot builds a small but fully populated Snapshot.
func newTestSnapshot(t *testing.T) *schemas.Snapshot {
	t.Helper()
	return &schemas.Snapshot{
		ID:        "snap-1",
		Version:   schemas.SnapshotVersion,
		Timestamp: getTestTime(t),
		PageInfo:  schemas.PageInfo{URL: "https://app.ex.com/home", Title: "Home"},
		Cookies: []schemas.Cookie{
			{Name: "sid", Value: "abc", Domain: ".ex.com", Path: "/", Session: true, Category: schemas.CookieSession},
		},
		LocalStorage: schemas.KeyValueStore{"theme": schemas.NewStorageEntry("theme", "dark")},
		SessionStorage: schemas.KeyValueStore{
			"step": schemas.NewStorageEntry("step", "2"),
		},
		IndexedDB: []schemas.Database{{
			Name:    "app",
			Version: 1,
			ObjectStores: []schemas.ObjectStore{{
				Name:    "todos",
				KeyPath: json.RawMessage(`"id"`),
				Records: []schemas.Record{{Key: json.RawMessage(`1`), Value: json.RawMessage(`{"id":1,"done":false}`)}},
			}},
		}},
	}
}
