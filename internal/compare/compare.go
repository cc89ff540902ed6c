// File: internal/compare/compare.go
package compare

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

// criticalKey flags keys that look like session or authentication material.
var criticalKey = regexp.MustCompile(`(?i)(session|sess|sid|auth|token|jwt|csrf|xsrf|bearer|access|refresh|login)`)

// IsCritical reports whether a cookie name or storage key matches the session/auth heuristic.
func IsCritical(key string) bool {
	return criticalKey.MatchString(key)
}

// databaseOpts treats nil and empty slices alike so a decoded Snapshot compares equal to its source.
var databaseOpts = []cmp.Option{cmpopts.EquateEmpty()}

// Comparator computes structured differences between two Snapshots.
// It holds no per-call state and is safe for concurrent use.
type Comparator struct {
	logger *zap.Logger
}

// New creates a Comparator.
func New(logger *zap.Logger) *Comparator {
	return &Comparator{logger: logger.Named("compare")}
}

// Compare diffs a (before) against b (after). A nil Snapshot compares as empty.
func (c *Comparator) Compare(a, b *schemas.Snapshot) *schemas.SnapshotDiff {
	if a == nil {
		a = &schemas.Snapshot{}
	}
	if b == nil {
		b = &schemas.Snapshot{}
	}

	d := &schemas.SnapshotDiff{
		Cookies:        diffStrings(cookieMap(a.Cookies), cookieMap(b.Cookies), cookieName),
		LocalStorage:   diffStrings(a.LocalStorage.Values(), b.LocalStorage.Values(), identity),
		SessionStorage: diffStrings(a.SessionStorage.Values(), b.SessionStorage.Values(), identity),
		IndexedDB:      diffDatabases(a.IndexedDB, b.IndexedDB),
	}

	if NormalizeURL(a.PageInfo.URL) != NormalizeURL(b.PageInfo.URL) {
		d.URL = &schemas.FieldChange{Before: a.PageInfo.URL, After: b.PageInfo.URL}
		d.TotalDifferences++
		d.CriticalDifferences++
	}
	if a.PageInfo.Title != b.PageInfo.Title {
		d.Title = &schemas.FieldChange{Before: a.PageInfo.Title, After: b.PageInfo.Title}
		d.TotalDifferences++
	}
	for _, dd := range []schemas.DomainDiff{d.Cookies, d.LocalStorage, d.SessionStorage, d.IndexedDB} {
		d.TotalDifferences += dd.Total
		d.CriticalDifferences += dd.Critical
	}
	d.Identical = d.TotalDifferences == 0

	c.logger.Debug("Compared snapshots.",
		zap.String("before", a.ID),
		zap.String("after", b.ID),
		zap.Int("total_differences", d.TotalDifferences),
		zap.Int("critical_differences", d.CriticalDifferences))
	return d
}

// NormalizeURL drops the fragment and a trailing slash so that equivalent
// locations compare equal. Unparseable input is returned unchanged.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment, u.RawFragment = "", ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

func identity(k string) string { return k }

// cookieName extracts the cookie name from a "name|domain" key.
func cookieName(k string) string {
	name, _, _ := strings.Cut(k, "|")
	return name
}

func cookieMap(cookies []schemas.Cookie) map[string]string {
	m := make(map[string]string, len(cookies))
	for _, ck := range cookies {
		m[ck.Key()] = ck.Value
	}
	return m
}

// diffStrings classifies every key by membership and value equality. nameOf maps
// a key to the part the critical heuristic is applied to.
func diffStrings(before, after map[string]string, nameOf func(string) string) schemas.DomainDiff {
	var d schemas.DomainDiff
	for _, k := range sortedKeys(before, after) {
		bv, inBefore := before[k]
		av, inAfter := after[k]
		switch {
		case inBefore && !inAfter:
			d.Removed = append(d.Removed, k)
		case !inBefore && inAfter:
			d.Added = append(d.Added, k)
		case bv != av:
			d.Modified = append(d.Modified, schemas.ModifiedEntry{Key: k, Before: bv, After: av})
		default:
			continue
		}
		d.Total++
		if IsCritical(nameOf(k)) {
			d.Critical++
		}
	}
	return d
}

func diffDatabases(before, after []schemas.Database) schemas.DomainDiff {
	bm := make(map[string]schemas.Database, len(before))
	for _, db := range before {
		bm[db.Name] = db
	}
	am := make(map[string]schemas.Database, len(after))
	for _, db := range after {
		am[db.Name] = db
	}

	var d schemas.DomainDiff
	for _, name := range sortedKeys(bm, am) {
		bdb, inBefore := bm[name]
		adb, inAfter := am[name]
		switch {
		case inBefore && !inAfter:
			d.Removed = append(d.Removed, name)
		case !inBefore && inAfter:
			d.Added = append(d.Added, name)
		case !cmp.Equal(bdb, adb, databaseOpts...):
			d.Modified = append(d.Modified, schemas.ModifiedEntry{Key: name, Before: summarize(bdb), After: summarize(adb)})
		default:
			continue
		}
		d.Total++
		if IsCritical(name) {
			d.Critical++
		}
	}
	return d
}

// summarize renders a database as a short, comparable description.
func summarize(db schemas.Database) string {
	records := 0
	for _, s := range db.ObjectStores {
		records += len(s.Records)
	}
	return fmt.Sprintf("version %d, %d stores, %d records", db.Version, len(db.ObjectStores), records)
}

func sortedKeys[V any](maps ...map[string]V) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
