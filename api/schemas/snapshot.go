package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// SnapshotVersion is the format version written into every captured Snapshot.
const SnapshotVersion = "1.0.0"

// canonicalJSON sorts map keys so equal Snapshots always hash the same way.
var canonicalJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Snapshot --

// Snapshot is the captured, versioned client-observable state of a single page.
// It is owned by its creator until handed off and treated as read-only afterwards.
type Snapshot struct {
	ID             string                      `json:"id"`
	Version        string                      `json:"version"`
	Timestamp      time.Time                   `json:"timestamp"`
	PageInfo       PageInfo                    `json:"page_info"`
	Cookies        []Cookie                    `json:"cookies"`
	LocalStorage   KeyValueStore               `json:"local_storage"`
	SessionStorage KeyValueStore               `json:"session_storage"`
	IndexedDB      []Database                  `json:"indexed_db"`
	CacheStorage   []CacheEntry                `json:"cache_storage"`
	ServiceWorkers []ServiceWorkerRegistration `json:"service_workers"`
	DOMState       DOMState                    `json:"dom_state"`
	AuthHints      []AuthHint                  `json:"auth_hints"`
	SecurityState  SecurityState               `json:"security_state"`
	Screenshot     *ScreenshotRef              `json:"screenshot,omitempty"`
	Metadata       SnapshotMetadata            `json:"metadata"`
}

// PageInfo describes the page and the navigator that produced the Snapshot.
type PageInfo struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Origin        string   `json:"origin"`
	Viewport      Viewport `json:"viewport"`
	UserAgent     string   `json:"user_agent"`
	Language      string   `json:"language"`
	Platform      string   `json:"platform"`
	CookieEnabled bool     `json:"cookie_enabled"`
	Online        bool     `json:"online"`
	ReadyState    string   `json:"ready_state"`
}

// Viewport is the visible area of the page in CSS pixels.
type Viewport struct {
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	DevicePixelRatio float64 `json:"device_pixel_ratio"`
}

// CookieCategory is a coarse classification applied to captured cookies.
type CookieCategory string

const (
	CookieSession   CookieCategory = "session"
	CookieSecurity  CookieCategory = "security"
	CookieAnalytics CookieCategory = "analytics"
	CookieGeneral   CookieCategory = "general"
)

// Cookie is a single browser cookie plus the classification added at capture time.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain"`
	Path     string         `json:"path"`
	Expires  float64        `json:"expires"` // seconds since epoch, 0 or negative for session cookies
	HTTPOnly bool           `json:"http_only"`
	Secure   bool           `json:"secure"`
	Session  bool           `json:"session"`
	SameSite string         `json:"same_site,omitempty"`
	Size     int            `json:"size"`
	Category CookieCategory `json:"category,omitempty"`
	// ThirdParty is true when the cookie's registrable domain differs from the page's.
	ThirdParty bool `json:"third_party"`
}

// Key identifies a cookie within a jar.
func (c Cookie) Key() string {
	return c.Name + "|" + c.Domain
}

// KeyValueStore mirrors a Web Storage area (localStorage or sessionStorage).
type KeyValueStore map[string]StorageEntry

// StorageEntry is one Web Storage value with its size accounting.
type StorageEntry struct {
	Value string `json:"value"`
	Size  int    `json:"size"`
}

// NewStorageEntry builds an entry whose size is len(key)+len(value).
func NewStorageEntry(key, value string) StorageEntry {
	return StorageEntry{Value: value, Size: len(key) + len(value)}
}

// Values flattens the store into a plain key/value map.
func (s KeyValueStore) Values() map[string]string {
	out := make(map[string]string, len(s))
	for k, e := range s {
		out[k] = e.Value
	}
	return out
}

// Database is a captured IndexedDB database.
type Database struct {
	Name         string        `json:"name"`
	Version      int64         `json:"version"`
	ObjectStores []ObjectStore `json:"object_stores"`
}

// ObjectStore is a single IndexedDB object store, its indexes and all records.
type ObjectStore struct {
	Name          string          `json:"name"`
	KeyPath       json.RawMessage `json:"key_path,omitempty"`
	AutoIncrement bool            `json:"auto_increment"`
	Indexes       []Index         `json:"indexes"`
	Records       []Record        `json:"records"`
}

// Index describes an IndexedDB index definition.
type Index struct {
	Name       string          `json:"name"`
	KeyPath    json.RawMessage `json:"key_path,omitempty"`
	Unique     bool            `json:"unique"`
	MultiEntry bool            `json:"multi_entry"`
}

// Record is one key/value pair from an object store. Both sides are structured-clone
// values rendered as JSON.
type Record struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value"`
}

// CacheEntry names a Cache Storage cache and the requests it holds. Bodies are never captured.
type CacheEntry struct {
	Name     string          `json:"name"`
	Requests []CachedRequest `json:"requests"`
}

// CachedRequest is the request metadata of a cached response.
type CachedRequest struct {
	URL    string `json:"url"`
	Method string `json:"method"`
}

// ServiceWorkerRegistration is a registered service worker.
type ServiceWorkerRegistration struct {
	Scope     string `json:"scope"`
	ScriptURL string `json:"script_url"`
	State     string `json:"state"`
}

// DOMState holds form values and scroll position.
type DOMState struct {
	Forms         []FormState `json:"forms"`
	Scroll        ScrollState `json:"scroll"`
	ActiveElement string      `json:"active_element,omitempty"`
}

// FormState is a form and its input fields.
type FormState struct {
	ID     string       `json:"id,omitempty"`
	Name   string       `json:"name,omitempty"`
	Action string       `json:"action,omitempty"`
	Fields []FieldState `json:"fields"`
}

// FieldState is one form control. Password fields always carry an empty Value.
type FieldState struct {
	Name     string `json:"name,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Value    string `json:"value"`
	Checked  bool   `json:"checked,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// IsPassword reports whether the field holds a password.
func (f FieldState) IsPassword() bool {
	return f.Type == "password"
}

// ScrollState is the window scroll offset.
type ScrollState struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AuthHint flags a cookie or storage value that looks like an authentication token.
type AuthHint struct {
	Source    string     `json:"source"` // cookie, localStorage or sessionStorage
	Key       string     `json:"key"`
	Kind      string     `json:"kind"` // jwt, bearer, session or apiKey
	Preview   string     `json:"preview"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Issuer    string     `json:"issuer,omitempty"`
	Subject   string     `json:"subject,omitempty"`
}

// SecurityState is the page's coarse security posture.
type SecurityState struct {
	Protocol string `json:"protocol"`
	Secure   bool   `json:"secure"`
	HasCSP   bool   `json:"has_csp"`
	CSP      string `json:"csp,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

// ScreenshotRef points to a screenshot written to disk during capture.
type ScreenshotRef struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

// SnapshotMetadata records how the Snapshot was produced.
type SnapshotMetadata struct {
	CaptureDuration time.Duration `json:"capture_duration"`
	StateSize       int           `json:"state_size"`
	Checksum        string        `json:"checksum,omitempty"`
	Compressed      bool          `json:"compressed"`
	// Warnings are runtime annotations (failed domains, capacity, version skew).
	// They are not serialized and not covered by the checksum.
	Warnings []string `json:"-"`
}

// AddWarning appends a non-fatal issue to the metadata.
func (m *SnapshotMetadata) AddWarning(format string, args ...any) {
	m.Warnings = append(m.Warnings, fmt.Sprintf(format, args...))
}

// CanonicalJSON encodes the Snapshot with sorted map keys.
func (s *Snapshot) CanonicalJSON() ([]byte, error) {
	return canonicalJSON.Marshal(s)
}

// ComputeChecksum returns the hex sha256 of the Snapshot's canonical encoding with
// the checksum field cleared. The receiver is not modified.
func (s *Snapshot) ComputeChecksum() (string, error) {
	clone := *s
	clone.Metadata.Checksum = ""
	data, err := clone.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the checksum and compares it to Metadata.Checksum.
// A Snapshot without a checksum verifies trivially.
func (s *Snapshot) VerifyChecksum() error {
	if s.Metadata.Checksum == "" {
		return nil
	}
	actual, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	if actual != s.Metadata.Checksum {
		return &IntegrityError{Scope: "snapshot", Expected: s.Metadata.Checksum, Actual: actual}
	}
	return nil
}

// Validate runs the structural checks applied after capture and on deserialize.
func (s *Snapshot) Validate() error {
	if s == nil {
		return &ValidationError{Field: "snapshot", Reason: "is nil"}
	}
	if s.Version == "" {
		return &ValidationError{Field: "version", Reason: "is required"}
	}
	if s.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	for i, c := range s.Cookies {
		if c.Name == "" && c.Value == "" {
			return &ValidationError{Field: fmt.Sprintf("cookies[%d]", i), Reason: "has neither name nor value"}
		}
	}
	if err := validateStore("local_storage", s.LocalStorage); err != nil {
		return err
	}
	if err := validateStore("session_storage", s.SessionStorage); err != nil {
		return err
	}
	for i, db := range s.IndexedDB {
		if db.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("indexed_db[%d].name", i), Reason: "is required"}
		}
	}
	return nil
}

func validateStore(field string, store KeyValueStore) error {
	for k, e := range store {
		if e.Size != len(k)+len(e.Value) {
			return &ValidationError{
				Field:  fmt.Sprintf("%s[%q].size", field, k),
				Reason: fmt.Sprintf("is %d, want %d", e.Size, len(k)+len(e.Value)),
			}
		}
	}
	return nil
}
