package compare_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
	"github.com/xkilldash9x/scalpel-state/internal/compare"
)

func baseSnapshot() *schemas.Snapshot {
	return &schemas.Snapshot{
		ID:       "a",
		PageInfo: schemas.PageInfo{URL: "https://app.ex.com/home", Title: "Home"},
		Cookies: []schemas.Cookie{
			{Name: "sid", Value: "abc", Domain: ".ex.com"},
			{Name: "lang", Value: "en", Domain: ".ex.com"},
		},
		LocalStorage: schemas.KeyValueStore{
			"theme":        schemas.NewStorageEntry("theme", "dark"),
			"access_token": schemas.NewStorageEntry("access_token", "t1"),
		},
		SessionStorage: schemas.KeyValueStore{"step": schemas.NewStorageEntry("step", "2")},
		IndexedDB: []schemas.Database{{
			Name: "app", Version: 1,
			ObjectStores: []schemas.ObjectStore{{
				Name:    "todos",
				Records: []schemas.Record{{Key: json.RawMessage(`1`), Value: json.RawMessage(`{"done":false}`)}},
			}},
		}},
	}
}

func TestCompare_IdenticalInput(t *testing.T) {
	c := compare.New(zaptest.NewLogger(t))
	s := baseSnapshot()

	d := c.Compare(s, s)
	assert.True(t, d.Identical)
	assert.Zero(t, d.TotalDifferences)
	assert.Zero(t, d.CriticalDifferences)
	for name, dd := range d.Domains() {
		assert.Zerof(t, dd.Total, "domain %s", name)
	}
	assert.True(t, d.Equivalent())
}

func TestCompare_ClassifiesChanges(t *testing.T) {
	c := compare.New(zaptest.NewLogger(t))
	a := baseSnapshot()
	b := baseSnapshot()
	b.ID = "b"
	b.Cookies = []schemas.Cookie{
		{Name: "sid", Value: "xyz", Domain: ".ex.com"},     // modified, critical
		{Name: "_ga", Value: "GA1.2", Domain: ".ex.com"},   // added
		{Name: "sid", Value: "abc", Domain: "other.ex.com"}, // added, critical: different domain is a different key
	}
	delete(b.LocalStorage, "access_token")
	b.LocalStorage["font"] = schemas.NewStorageEntry("font", "mono")

	d := c.Compare(a, b)

	assert.Equal(t, []string{"_ga|.ex.com", "sid|other.ex.com"}, d.Cookies.Added)
	assert.Equal(t, []string{"lang|.ex.com"}, d.Cookies.Removed)
	assert.Equal(t, []schemas.ModifiedEntry{{Key: "sid|.ex.com", Before: "abc", After: "xyz"}}, d.Cookies.Modified)
	assert.Equal(t, 4, d.Cookies.Total)
	assert.Equal(t, 2, d.Cookies.Critical)

	assert.Equal(t, []string{"font"}, d.LocalStorage.Added)
	assert.Equal(t, []string{"access_token"}, d.LocalStorage.Removed)
	assert.Equal(t, 2, d.LocalStorage.Total)
	assert.Equal(t, 1, d.LocalStorage.Critical)

	assert.True(t, d.SessionStorage.Empty())
	assert.True(t, d.IndexedDB.Empty())
	assert.Nil(t, d.URL)
	assert.Equal(t, 6, d.TotalDifferences)
	assert.Equal(t, 3, d.CriticalDifferences)
	assert.False(t, d.Identical)
	assert.False(t, d.Equivalent())
}

func TestCompare_IndexedDBByValue(t *testing.T) {
	c := compare.New(zaptest.NewLogger(t))
	a := baseSnapshot()
	b := baseSnapshot()
	b.IndexedDB[0].ObjectStores[0].Records[0].Value = json.RawMessage(`{"done":true}`)
	b.IndexedDB = append(b.IndexedDB, schemas.Database{Name: "auth-cache", Version: 1})

	d := c.Compare(a, b)
	want := schemas.DomainDiff{
		Added:    []string{"auth-cache"},
		Modified: []schemas.ModifiedEntry{{Key: "app", Before: "version 1, 1 stores, 1 records", After: "version 1, 1 stores, 1 records"}},
		Total:    2,
		Critical: 1,
	}
	if diff := cmp.Diff(want, d.IndexedDB); diff != "" {
		t.Errorf("IndexedDB diff mismatch (-want +got):\n%s", diff)
	}
}

func TestCompare_NilAndEmptySlicesAreEqual(t *testing.T) {
	c := compare.New(zaptest.NewLogger(t))
	a := baseSnapshot()
	b := baseSnapshot()
	b.IndexedDB[0].ObjectStores[0].Indexes = []schemas.Index{}

	assert.True(t, c.Compare(a, b).IndexedDB.Empty())
}

func TestCompare_URLAndTitle(t *testing.T) {
	c := compare.New(zaptest.NewLogger(t))

	tests := []struct {
		name         string
		after        string
		wantURLDiff  bool
		wantCritical int
	}{
		{"fragment ignored", "https://app.ex.com/home#top", false, 0},
		{"trailing slash ignored", "https://app.ex.com/home/", false, 0},
		{"different path", "https://app.ex.com/login", true, 1},
		{"different host", "https://evil.ex.org/home", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := baseSnapshot(), baseSnapshot()
			b.PageInfo.URL = tt.after
			b.PageInfo.Title = "Other"

			d := c.Compare(a, b)
			assert.Equal(t, tt.wantURLDiff, d.URL != nil)
			assert.Equal(t, tt.wantCritical, d.CriticalDifferences)
			assert.Equal(t, &schemas.FieldChange{Before: "Home", After: "Other"}, d.Title)
			// URL and title are page-level, the storage domains stay equivalent.
			assert.True(t, d.Equivalent())
		})
	}
}

func TestCompare_NilSnapshots(t *testing.T) {
	c := compare.New(zaptest.NewLogger(t))
	d := c.Compare(nil, baseSnapshot())
	assert.Equal(t, 2, d.Cookies.Total)
	assert.Len(t, d.Cookies.Added, 2)
	assert.True(t, c.Compare(nil, nil).Identical)
}

func TestIsCritical(t *testing.T) {
	for _, k := range []string{"sid", "PHPSESSID", "auth", "XSRF-TOKEN", "jwt", "refresh_token", "login_state"} {
		assert.Truef(t, compare.IsCritical(k), "%s should be critical", k)
	}
	for _, k := range []string{"theme", "lang", "_ga", "font"} {
		assert.Falsef(t, compare.IsCritical(k), "%s should not be critical", k)
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://ex.com/a", compare.NormalizeURL("https://ex.com/a/#x"))
	assert.Equal(t, "https://ex.com?q=1", compare.NormalizeURL("https://ex.com/?q=1"))
	assert.Equal(t, "", compare.NormalizeURL(""))
}
