// Package frontier holds the crawl queue together with its admission state: the
// seen-hash set and the per-endpoint enqueue counters.
package frontier

import (
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/statecrawler/internal/filter"
)

// DefaultEndpointCap bounds how many targets may be admitted for one host+path.
const DefaultEndpointCap = 150

// Verdict explains why Enqueue accepted or rejected a target.
type Verdict string

// Enqueue verdicts. Policy verdicts from the filter package are passed through.
const (
	Accepted       Verdict = "accepted"
	EmptyURL       Verdict = "empty_url"
	DomainRejected Verdict = Verdict(filter.DomainRejected)
	StaticContent  Verdict = Verdict(filter.StaticContent)
	PatternBlocked Verdict = Verdict(filter.PatternBlocked)
	EndpointCapped Verdict = "endpoint_capped"
	Duplicate      Verdict = "duplicate"
	TooDeep        Verdict = "too_deep"
)

// Target is one unit of crawl work. Hash is fixed at discovery.
type Target struct {
	URL         string `json:"url"`
	Interaction bool   `json:"interaction"`
	ClickPath   []int  `json:"click_path,omitempty"`
	Hash        string `json:"hash"`
}

// Admitter is the subset of filter.Policy the frontier depends on.
type Admitter interface {
	Admit(rawURL string) filter.Verdict
}

// Config bounds admission.
type Config struct {
	MaxDepth    int
	EndpointCap int
}

// Frontier is safe for concurrent use.
type Frontier struct {
	mu        sync.Mutex
	policy    Admitter
	cfg       Config
	queue     []Target
	seen      map[string]struct{}
	endpoints map[string]int
}

// New returns an empty frontier. A non-positive EndpointCap selects DefaultEndpointCap.
func New(policy Admitter, cfg Config) *Frontier {
	if cfg.EndpointCap <= 0 {
		cfg.EndpointCap = DefaultEndpointCap
	}
	return &Frontier{
		policy:    policy,
		cfg:       cfg,
		seen:      make(map[string]struct{}),
		endpoints: make(map[string]int),
	}
}

// Enqueue admits t if it passes every check. The check order is: empty URL,
// click-path depth, policy, endpoint cap, seen hash. URL targets are inserted
// ahead of the first queued interaction target; interaction targets are appended.
func (f *Frontier) Enqueue(t Target) (Verdict, bool) {
	if t.URL == "" {
		return EmptyURL, false
	}
	if t.Interaction && (len(t.ClickPath) == 0 || len(t.ClickPath) > f.cfg.MaxDepth) {
		return TooDeep, false
	}
	if !t.Interaction {
		t.ClickPath = nil
	}
	if f.policy != nil {
		if v := f.policy.Admit(t.URL); v != filter.Allowed {
			return Verdict(v), false
		}
	}

	key := endpoint(t.URL)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.endpoints[key] >= f.cfg.EndpointCap {
		return EndpointCapped, false
	}
	if _, ok := f.seen[t.Hash]; ok {
		return Duplicate, false
	}
	f.endpoints[key]++
	f.seen[t.Hash] = struct{}{}

	t.ClickPath = slices.Clone(t.ClickPath)
	if t.Interaction {
		f.queue = append(f.queue, t)
		return Accepted, true
	}
	idx := slices.IndexFunc(f.queue, func(q Target) bool { return q.Interaction })
	if idx < 0 {
		f.queue = append(f.queue, t)
	} else {
		f.queue = slices.Insert(f.queue, idx, t)
	}
	return Accepted, true
}

// Head returns the first pending target without removing it.
func (f *Frontier) Head() (Target, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Target{}, false
	}
	head := f.queue[0]
	head.ClickPath = slices.Clone(head.ClickPath)
	return head, true
}

// Complete removes the first queued target carrying hash, wherever it sits.
// The hash stays in the seen set.
func (f *Frontier) Complete(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := slices.IndexFunc(f.queue, func(q Target) bool { return q.Hash == hash })
	if idx < 0 {
		return false
	}
	f.queue = slices.Delete(f.queue, idx, idx+1)
	return true
}

// Len is the number of pending targets.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Seen is the number of distinct hashes ever admitted.
func (f *Frontier) Seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Snapshot returns a deep copy of the pending queue in order.
func (f *Frontier) Snapshot() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Target, len(f.queue))
	for i, t := range f.queue {
		t.ClickPath = slices.Clone(t.ClickPath)
		out[i] = t
	}
	return out
}

func endpoint(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Hostname()) + u.EscapedPath()
}
