package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-state/api/schemas"
)

func TestCookieConversion(t *testing.T) {
	in := &network.Cookie{
		Name: "sid", Value: "abc", Domain: ".ex.com", Path: "/",
		Expires: 1767225600.5, Size: 6, HTTPOnly: true, Secure: true,
		SameSite: network.CookieSameSiteLax,
	}
	c := fromCDPCookie(in)
	assert.Equal(t, "sid", c.Name)
	assert.Equal(t, "Lax", c.SameSite)
	assert.Equal(t, 6, c.Size)
	assert.True(t, c.HTTPOnly)

	param := toCDPCookie(c)
	assert.Equal(t, network.CookieSameSiteLax, param.SameSite)
	require.NotNil(t, param.Expires)
	assert.Equal(t, int64(1767225600), time.Time(*param.Expires).Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(time.Time(*param.Expires).Nanosecond()))
}

func TestToCDPCookie_SessionHasNoExpiry(t *testing.T) {
	param := toCDPCookie(schemas.Cookie{Name: "s", Value: "1", Domain: "ex.com", Session: true, Expires: -1})
	assert.Nil(t, param.Expires)
	assert.Empty(t, param.SameSite)
}
