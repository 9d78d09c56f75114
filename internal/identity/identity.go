// Package identity derives the deduplication hashes used by the frontier.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	valueAttr   = regexp.MustCompile(`value="(.*?)"`)
	formSegment = regexp.MustCompile(`input|form`)
)

// Hasher turns a canonical string into a stable digest.
type Hasher interface {
	Sum(data string) string
}

// SHA256 is the default Hasher; digests are lowercase hex.
type SHA256 struct{}

// Sum implements Hasher.
func (SHA256) Sum(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Identity computes target hashes with a fixed redaction pattern.
type Identity struct {
	hasher  Hasher
	ignored *regexp.Regexp
}

// Option customizes an Identity.
type Option func(*Identity)

// WithHasher overrides the digest function.
func WithHasher(h Hasher) Option {
	return func(i *Identity) {
		if h != nil {
			i.hasher = h
		}
	}
}

// New builds an Identity. ignored may be nil, in which case markup is hashed as-is.
func New(ignored *regexp.Regexp, opts ...Option) *Identity {
	i := &Identity{hasher: SHA256{}, ignored: ignored}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// StripFragment drops everything from the first '#'.
func StripFragment(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '#'); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}

// Redact blanks value="..." attributes in every '<'-delimited segment that matches
// ignored. Markup that does not match ignored at all is returned unchanged.
func Redact(markup string, ignored *regexp.Regexp) string {
	if ignored == nil || !ignored.MatchString(markup) {
		return markup
	}
	segments := strings.Split(markup, "<")
	for i, seg := range segments {
		if ignored.MatchString(seg) {
			segments[i] = valueAttr.ReplaceAllString(seg, `value=""`)
		}
	}
	return strings.Join(segments, "<")
}

// URLHash is the identity of a pure navigation target.
func (i *Identity) URLHash(rawURL string) string {
	return i.hasher.Sum(StripFragment(rawURL))
}

// ElementHash is the identity of a clickable element state.
func (i *Identity) ElementHash(cssPath, outer string) string {
	return i.hasher.Sum(cssPath + Redact(outer, i.ignored))
}

// FormHash is the identity of the form enclosing a clickable element. When the
// form markup contains an ignored token, redaction runs over the form and element
// markup together. Only segments that mention input or form are kept.
func (i *Identity) FormHash(cssPath, formOuter, elementOuter string) string {
	markup := formOuter
	if i.ignored != nil && i.ignored.MatchString(formOuter) {
		markup = Redact(formOuter+" "+elementOuter, i.ignored)
	}
	var kept []string
	for _, seg := range strings.Split(markup, "<") {
		if formSegment.MatchString(seg) {
			kept = append(kept, seg)
		}
	}
	return i.hasher.Sum(cssPath + strings.Join(kept, "<"))
}
