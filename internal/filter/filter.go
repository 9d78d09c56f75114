// Package filter decides which URLs the crawler is allowed to visit or click through.
package filter

import (
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Verdict is the outcome of running a URL through the Policy.
type Verdict string

const (
	// Allowed means every check passed.
	Allowed Verdict = "allowed"
	// DomainRejected means the host is not in (or below) the allow-list.
	DomainRejected Verdict = "domain_rejected"
	// StaticContent means the path ends in a filtered extension.
	StaticContent Verdict = "static_content"
	// PatternBlocked means the path matched the do-not-click pattern.
	PatternBlocked Verdict = "pattern_blocked"
)

// IsAllowedDomain reports whether rawURL's host equals an allow-list entry or is a
// strict subdomain of one. An empty allow-list admits nothing.
func IsAllowedDomain(rawURL string, allow []string) bool {
	if len(allow) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, raw := range allow {
		entry := strings.TrimSpace(strings.ToLower(raw))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

// IsStaticContent reports whether the last dot-separated segment of the URL path is
// one of exts. The comparison is case-sensitive.
func IsStaticContent(rawURL string, exts []string) bool {
	if len(exts) == 0 {
		return false
	}
	path := urlPath(rawURL)
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return false
	}
	ext := path[idx+1:]
	for _, candidate := range exts {
		if candidate == ext {
			return true
		}
	}
	return false
}

// IsBlockedByPattern reports whether the URL path matches pattern. A nil pattern
// never blocks.
func IsBlockedByPattern(rawURL string, pattern *regexp.Regexp) bool {
	if pattern == nil {
		return false
	}
	return pattern.MatchString(urlPath(rawURL))
}

// CompilePattern compiles expr. Empty and invalid expressions yield nil, so the
// corresponding filter degrades to "no filter"; invalid ones are logged.
func CompilePattern(expr, name string, logger *zap.Logger) *regexp.Regexp {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid pattern, filter disabled",
				zap.String("pattern", name),
				zap.String("expr", expr),
				zap.Error(err),
			)
		}
		return nil
	}
	return re
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

// Policy combines the three predicates. The zero value rejects every URL because
// its allow-list is empty.
type Policy struct {
	AllowedDomains []string
	StaticExts     []string
	DoNotClick     *regexp.Regexp
}

// Admit runs the checks in order and returns the first failing verdict.
func (p Policy) Admit(rawURL string) Verdict {
	switch {
	case !IsAllowedDomain(rawURL, p.AllowedDomains):
		return DomainRejected
	case IsStaticContent(rawURL, p.StaticExts):
		return StaticContent
	case IsBlockedByPattern(rawURL, p.DoNotClick):
		return PatternBlocked
	default:
		return Allowed
	}
}

// FallbackDomains returns domains unchanged when non-empty, otherwise the host of
// startURL.
func FallbackDomains(startURL string, domains []string) []string {
	var out []string
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, d)
		}
	}
	if len(out) > 0 {
		return out
	}
	u, err := url.Parse(startURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	return []string{strings.ToLower(u.Hostname())}
}
