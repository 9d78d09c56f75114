package frontier

import (
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statecrawler/internal/filter"
	"github.com/JakeFAU/statecrawler/internal/identity"
)

func newTestFrontier(maxDepth int) *Frontier {
	policy := filter.Policy{
		AllowedDomains: []string{"example.com"},
		StaticExts:     []string{"pdf"},
		DoNotClick:     regexp.MustCompile("delete"),
	}
	return New(policy, Config{MaxDepth: maxDepth})
}

func urlTarget(id *identity.Identity, raw string) Target {
	return Target{URL: identity.StripFragment(raw), Hash: id.URLHash(raw)}
}

func clickTarget(raw, hash string, path ...int) Target {
	return Target{URL: raw, Interaction: true, ClickPath: path, Hash: hash}
}

func hashes(ts []Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Hash
	}
	return out
}

func TestEnqueueRejections(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(3)
	cases := []struct {
		name   string
		target Target
		want   Verdict
	}{
		{"empty url", Target{Hash: "h"}, EmptyURL},
		{"other domain", Target{URL: "https://other.org/", Hash: "h1"}, DomainRejected},
		{"static", Target{URL: "https://example.com/report.pdf", Hash: "h2"}, StaticContent},
		{"blocked", Target{URL: "https://example.com/user/delete", Hash: "h3"}, PatternBlocked},
		{"empty click path", clickTarget("https://example.com/", "h4"), TooDeep},
		{"deep click path", clickTarget("https://example.com/", "h5", 0, 1, 2, 3), TooDeep},
	}
	for _, tc := range cases {
		v, ok := f.Enqueue(tc.target)
		require.False(t, ok, tc.name)
		require.Equal(t, tc.want, v, tc.name)
	}
	require.Zero(t, f.Len())

	v, ok := f.Enqueue(Target{URL: "https://example.com/page", Hash: "ok"})
	require.True(t, ok)
	require.Equal(t, Accepted, v)
}

func TestEnqueueIdempotent(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(3)
	id := identity.New(nil)

	_, ok := f.Enqueue(urlTarget(id, "https://example.com/a#x"))
	require.True(t, ok)
	v, ok := f.Enqueue(urlTarget(id, "https://example.com/a#y"))
	require.False(t, ok)
	require.Equal(t, Duplicate, v)

	_, ok = f.Enqueue(clickTarget("https://example.com/a", "el", 1, 2))
	require.True(t, ok)
	v, _ = f.Enqueue(clickTarget("https://example.com/a", "el", 1, 2))
	require.Equal(t, Duplicate, v)
	require.Equal(t, 2, f.Len())
}

func TestURLTargetsJumpAheadOfInteractions(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(3)
	enqueue := func(tg Target) {
		_, ok := f.Enqueue(tg)
		require.True(t, ok)
	}
	enqueue(Target{URL: "https://example.com/1", Hash: "u1"})
	enqueue(clickTarget("https://example.com/1", "c1", 0))
	enqueue(clickTarget("https://example.com/1", "c2", 1))
	enqueue(Target{URL: "https://example.com/2", Hash: "u2"})
	enqueue(clickTarget("https://example.com/2", "c3", 0))
	enqueue(Target{URL: "https://example.com/3", Hash: "u3"})

	require.Equal(t, []string{"u1", "u2", "u3", "c1", "c2", "c3"}, hashes(f.Snapshot()))
}

func TestHeadAndComplete(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(3)
	_, ok := f.Head()
	require.False(t, ok)

	f.Enqueue(clickTarget("https://example.com/", "c1", 0))
	head, ok := f.Head()
	require.True(t, ok)
	require.Equal(t, "c1", head.Hash)

	// processing the head discovers a link, which moves ahead of it
	f.Enqueue(Target{URL: "https://example.com/new", Hash: "u1"})
	next, _ := f.Head()
	require.Equal(t, "u1", next.Hash)

	require.True(t, f.Complete("c1"))
	require.False(t, f.Complete("c1"))
	require.Equal(t, []string{"u1"}, hashes(f.Snapshot()))

	// completed hashes stay seen
	v, _ := f.Enqueue(clickTarget("https://example.com/", "c1", 0))
	require.Equal(t, Duplicate, v)
	require.Equal(t, 2, f.Seen())
}

func TestEndpointCap(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(3)
	for i := 0; i < DefaultEndpointCap; i++ {
		_, ok := f.Enqueue(Target{URL: fmt.Sprintf("https://example.com/search?q=%d", i), Hash: fmt.Sprint(i)})
		require.True(t, ok, "enqueue %d", i)
	}
	v, ok := f.Enqueue(Target{URL: "https://example.com/search?q=last", Hash: "last"})
	require.False(t, ok)
	require.Equal(t, EndpointCapped, v)

	_, ok = f.Enqueue(Target{URL: "https://example.com/other", Hash: "other"})
	require.True(t, ok)
}

func TestEndpointCapDoesNotCountRejections(t *testing.T) {
	t.Parallel()

	f := New(filter.Policy{AllowedDomains: []string{"example.com"}}, Config{MaxDepth: 1, EndpointCap: 2})
	f.Enqueue(Target{URL: "https://example.com/p", Hash: "a"})
	f.Enqueue(Target{URL: "https://example.com/p", Hash: "a"})
	_, ok := f.Enqueue(Target{URL: "https://example.com/p?x", Hash: "b"})
	require.True(t, ok)
	v, _ := f.Enqueue(Target{URL: "https://example.com/p?y", Hash: "c"})
	require.Equal(t, EndpointCapped, v)
}

func TestDepthBound(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(2)
	_, ok := f.Enqueue(clickTarget("https://example.com/", "d2", 0, 1))
	require.True(t, ok)
	_, ok = f.Enqueue(clickTarget("https://example.com/", "d3", 0, 1, 2))
	require.False(t, ok)
	for _, tg := range f.Snapshot() {
		require.LessOrEqual(t, len(tg.ClickPath), 2)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(3)
	f.Enqueue(clickTarget("https://example.com/", "c", 4))
	snap := f.Snapshot()
	snap[0].ClickPath[0] = 99
	head, _ := f.Head()
	require.Equal(t, []int{4}, head.ClickPath)
}

func TestConcurrentEnqueue(t *testing.T) {
	t.Parallel()

	f := newTestFrontier(3)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				f.Enqueue(Target{URL: fmt.Sprintf("https://example.com/%d", i), Hash: fmt.Sprint(i)})
			}
		}(w)
	}
	wg.Wait()
	require.Equal(t, 50, f.Len())
}
