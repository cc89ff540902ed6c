// internal/capture/classify.go
package capture

import (
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

// Cookie name patterns, checked in this order.
var (
	analyticsCookie = regexp.MustCompile(`(?i)^(_ga|_gid|_gat|_gcl|_fbp|_fbc|_hj|__utm|_pk_|amplitude|mp_|ajs_|optimizely)`)
	securityCookie  = regexp.MustCompile(`(?i)(csrf|xsrf|token|auth|jwt|^__host-|^__secure-)`)
	sessionCookie   = regexp.MustCompile(`(?i)(sess|sid|session|login|remember)`)
)

// classifyCookie assigns the coarse category of a cookie from its name.
func classifyCookie(name string) schemas.CookieCategory {
	switch {
	case analyticsCookie.MatchString(name):
		return schemas.CookieAnalytics
	case securityCookie.MatchString(name):
		return schemas.CookieSecurity
	case sessionCookie.MatchString(name):
		return schemas.CookieSession
	default:
		return schemas.CookieGeneral
	}
}

// registrableDomain returns eTLD+1 for a host or cookie domain, or "" when it has none
// (IP literals, localhost, bare suffixes).
func registrableDomain(host string) string {
	host = strings.TrimPrefix(strings.ToLower(host), ".")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return site
}

// isThirdParty compares the registrable domains of the page and the cookie.
// Cookies are first party when either side has no registrable domain.
func isThirdParty(pageURL, cookieDomain string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	pageSite := registrableDomain(u.Hostname())
	cookieSite := registrableDomain(cookieDomain)
	return pageSite != "" && cookieSite != "" && pageSite != cookieSite
}

// Auth hint kinds.
const (
	HintJWT     = "jwt"
	HintBearer  = "bearer"
	HintSession = "session"
	HintAPIKey  = "apiKey"
)

var (
	sessionKey = regexp.MustCompile(`(?i)(session|sess|sid)`)
	secretKey  = regexp.MustCompile(`(?i)(api[_-]?key|token|auth|secret|bearer|access|refresh|jwt)`)
)

// detectAuthHint inspects one key/value pair and returns a hint when the value looks like
// authentication material.
func detectAuthHint(source, key, value string, redact bool) (schemas.AuthHint, bool) {
	if value == "" {
		return schemas.AuthHint{}, false
	}
	hint := schemas.AuthHint{Source: source, Key: key, Preview: preview(value, redact)}

	candidate := value
	if after, ok := cutPrefixFold(value, "bearer "); ok {
		candidate = strings.TrimSpace(after)
		hint.Kind = HintBearer
	}
	if claims, ok := parseJWT(candidate); ok {
		hint.Kind = HintJWT
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			t := exp.Time.UTC()
			hint.ExpiresAt = &t
		}
		hint.Issuer, _ = claims.GetIssuer()
		hint.Subject, _ = claims.GetSubject()
		return hint, true
	}
	if hint.Kind == HintBearer {
		return hint, true
	}

	switch {
	case sessionKey.MatchString(key):
		hint.Kind = HintSession
	case secretKey.MatchString(key):
		hint.Kind = HintAPIKey
	default:
		return schemas.AuthHint{}, false
	}
	return hint, true
}

// parseJWT decodes claims without verifying the signature; the token is only being described.
func parseJWT(s string) (jwt.MapClaims, bool) {
	if strings.Count(s, ".") != 2 {
		return nil, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// preview shows enough of a secret to recognize it. Redacted previews keep four characters.
func preview(v string, redact bool) string {
	if !redact {
		if len(v) > 64 {
			return v[:64] + "..."
		}
		return v
	}
	if len(v) <= 8 {
		return "[REDACTED]"
	}
	return v[:4] + "...[REDACTED]"
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// collectAuthHints scans cookies and both storage areas.
func collectAuthHints(snap *schemas.Snapshot, redact bool) []schemas.AuthHint {
	var hints []schemas.AuthHint
	for _, c := range snap.Cookies {
		if h, ok := detectAuthHint("cookie", c.Name, c.Value, redact); ok {
			hints = append(hints, h)
		}
	}
	for _, area := range []struct {
		source string
		store  schemas.KeyValueStore
	}{
		{"localStorage", snap.LocalStorage},
		{"sessionStorage", snap.SessionStorage},
	} {
		for _, k := range sortedStoreKeys(area.store) {
			if h, ok := detectAuthHint(area.source, k, area.store[k].Value, redact); ok {
				hints = append(hints, h)
			}
		}
	}
	return hints
}

// expired reports whether a hint carries an expiry in the past.
func expired(h schemas.AuthHint, now time.Time) bool {
	return h.ExpiresAt != nil && h.ExpiresAt.Before(now)
}
