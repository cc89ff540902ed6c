package schemas

// FieldChange records a scalar field that differs between two Snapshots.
type FieldChange struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// ModifiedEntry is a key present in both Snapshots with different values.
type ModifiedEntry struct {
	Key    string `json:"key"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// DomainDiff is the per-domain difference record.
type DomainDiff struct {
	Added    []string        `json:"added"`
	Removed  []string        `json:"removed"`
	Modified []ModifiedEntry `json:"modified"`
	Total    int             `json:"total"`
	// Critical counts entries whose key matches the session/auth naming heuristic.
	Critical int `json:"critical"`
}

// Empty reports whether the domain has no differences.
func (d DomainDiff) Empty() bool { return d.Total == 0 }

// SnapshotDiff is the result of comparing two Snapshots.
type SnapshotDiff struct {
	URL            *FieldChange `json:"url,omitempty"`
	Title          *FieldChange `json:"title,omitempty"`
	Cookies        DomainDiff   `json:"cookies"`
	LocalStorage   DomainDiff   `json:"local_storage"`
	SessionStorage DomainDiff   `json:"session_storage"`
	IndexedDB      DomainDiff   `json:"indexed_db"`

	Identical           bool `json:"identical"`
	TotalDifferences    int  `json:"total_differences"`
	CriticalDifferences int  `json:"critical_differences"`
}

// Domains returns the per-domain diffs keyed by a stable domain name.
func (d *SnapshotDiff) Domains() map[string]DomainDiff {
	return map[string]DomainDiff{
		"cookies":         d.Cookies,
		"local_storage":   d.LocalStorage,
		"session_storage": d.SessionStorage,
		"indexed_db":      d.IndexedDB,
	}
}

// Equivalent holds iff every domain total is zero.
func (d *SnapshotDiff) Equivalent() bool {
	for _, dd := range d.Domains() {
		if dd.Total != 0 {
			return false
		}
	}
	return true
}
