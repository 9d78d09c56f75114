package chromedp

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

func TestCookieConversion(t *testing.T) {
	t.Parallel()

	params := toCookieParams([]browser.Cookie{
		{Name: "sid", Value: "abc", Domain: "a.com", Path: "/", Expires: 1700000000.5, HTTPOnly: true, Secure: true, SameSite: "Lax"},
		{Name: "tmp", Value: "1", Domain: "a.com", Path: "/", Expires: -1},
	})
	require.Len(t, params, 2)
	assert.Equal(t, network.CookieSameSiteLax, params[0].SameSite)
	require.NotNil(t, params[0].Expires)
	assert.Equal(t, int64(1700000000), params[0].Expires.Time().Unix())
	assert.Equal(t, 500*time.Millisecond, time.Duration(params[0].Expires.Time().Nanosecond()))
	assert.Nil(t, params[1].Expires)
	assert.Empty(t, params[1].SameSite)

	back := fromCookies([]*network.Cookie{
		{Name: "sid", Value: "abc", Domain: "a.com", Path: "/", Expires: 1700000000, HTTPOnly: true, SameSite: network.CookieSameSiteStrict},
		nil,
		{Name: "tmp", Value: "1", Domain: "a.com", Path: "/", Expires: 1700000000, Session: true},
	})
	assert.Equal(t, []browser.Cookie{
		{Name: "sid", Value: "abc", Domain: "a.com", Path: "/", Expires: 1700000000, HTTPOnly: true, SameSite: "Strict"},
		{Name: "tmp", Value: "1", Domain: "a.com", Path: "/", Expires: -1},
	}, back)
}

func TestAllocatorOptionsGrowWithConfig(t *testing.T) {
	t.Parallel()

	base := len(allocatorOptions(Config{Headless: true}))
	full := len(allocatorOptions(Config{
		Headless:          true,
		Proxy:             "http://127.0.0.1:8080",
		IgnoreHTTPSErrors: true,
		UserAgent:         "statecrawler",
		ExecPath:          "/usr/bin/chromium",
	}))
	assert.Equal(t, base+4, full)
}
