package browser

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// scriptedEvaluator answers by matching a marker contained in the expression.
type scriptedEvaluator struct {
	answers map[string]string
	exprs   []string
}

func (s *scriptedEvaluator) Evaluate(_ context.Context, expr string, out any) error {
	s.exprs = append(s.exprs, expr)
	for marker, raw := range s.answers {
		if strings.Contains(expr, marker) {
			return json.Unmarshal([]byte(raw), out)
		}
	}
	return json.Unmarshal([]byte("null"), out)
}

func TestHandlers(t *testing.T) {
	t.Parallel()

	var h Handlers[func() string]
	removeA := h.Add(func() string { return "a" })
	h.Add(func() string { return "b" })
	require.Equal(t, 2, h.Len())

	removeA()
	removeA()
	snap := h.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "b", snap[0]())
}

func TestCall(t *testing.T) {
	t.Parallel()

	expr, err := Call("(function (a, b) {})", "x\"y", []int{1, 2})
	require.NoError(t, err)
	require.Equal(t, `(function (a, b) {})("x\"y", [1,2])`, expr)
}

func TestDOMDescribe(t *testing.T) {
	t.Parallel()

	ev := &scriptedEvaluator{answers: map[string]string{
		"cssPath: cssPath(el)": `{"found":true,"element":{"cssPath":"body > button","outerHTML":"<button>Go</button>","formHTML":"","inForm":false}}`,
	}}
	dom := NewDOM(ev)
	el, err := dom.Describe(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, "body > button", el.CSSPath)
	require.False(t, el.InForm)
	require.Contains(t, ev.exprs[0], `, 3)`)
}

func TestDOMStaleAndNoForm(t *testing.T) {
	t.Parallel()

	stale := NewDOM(&scriptedEvaluator{answers: map[string]string{"(sel, i": `{"found":false}`}})
	_, err := stale.Describe(context.Background(), 9)
	require.ErrorIs(t, err, ErrStaleElement)
	require.ErrorIs(t, stale.Click(context.Background(), 9), ErrStaleElement)

	noForm := NewDOM(&scriptedEvaluator{answers: map[string]string{"(sel, i": `{"found":true,"inForm":false}`}})
	_, err = noForm.FormFields(context.Background(), 0)
	require.ErrorIs(t, err, ErrNoForm)
	require.ErrorIs(t, noForm.SetFormFields(context.Background(), 0, nil), ErrNoForm)
}

func TestDOMLinksAndCount(t *testing.T) {
	t.Parallel()

	ev := &scriptedEvaluator{answers: map[string]string{
		".map(a => a.href)":            `["https://a.com/x","https://a.com/y"]`,
		"querySelectorAll(sel).length": `4`,
	}}
	dom := NewDOM(ev)
	links, err := dom.Links(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.com/x", "https://a.com/y"}, links)

	n, err := dom.ClickableCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestStorageStateRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "state.json")
	empty, err := LoadStorageState(path)
	require.NoError(t, err)
	require.Empty(t, empty.Cookies)

	state := StorageState{Cookies: []Cookie{{Name: "sid", Value: "1", Domain: "a.com", Path: "/", Expires: -1}}}
	state.SetOrigin("https://a.com", map[string]string{"b": "2", "a": "1"})
	state.SetOrigin("https://a.com", map[string]string{"z": "9", "a": "1"})
	state.SetOrigin("null", map[string]string{"x": "y"})
	require.NoError(t, state.Save(path))

	loaded, err := LoadStorageState(path)
	require.NoError(t, err)
	require.Equal(t, state.Cookies, loaded.Cookies)
	require.Len(t, loaded.Origins, 1)
	require.Equal(t, []NameValue{{Name: "a", Value: "1"}, {Name: "z", Value: "9"}}, loaded.Origins[0].LocalStorage)
}

func TestLoadStorageStateRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := LoadStorageState(path)
	require.Error(t, err)
}

func TestInitScripts(t *testing.T) {
	t.Parallel()

	s, err := SessionStorageInitScript(map[string]string{"token": "abc"})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(s, `({"token":"abc"})`))

	l, err := LocalStorageInitScript([]Origin{{Origin: "https://a.com", LocalStorage: []NameValue{{Name: "k", Value: "v"}}}})
	require.NoError(t, err)
	require.Contains(t, l, `{"https://a.com":{"k":"v"}}`)
}
