package formfill

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

type fakeForm struct {
	fields  []browser.FormField
	readErr error
	setErr  error
	applied []browser.FieldValue
}

func (f *fakeForm) FormFields(context.Context, int) ([]browser.FormField, error) {
	return f.fields, f.readErr
}

func (f *fakeForm) SetFormFields(_ context.Context, _ int, values []browser.FieldValue) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.applied = values
	return nil
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	v, err := ParsePayload([]byte(`
username: alice
age: 42
input:
  email: a@example.com
  text: hello
  textarea: long text
`))
	require.NoError(t, err)
	require.Equal(t, map[string]string{"username": "alice", "age": "42"}, v.Fields)
	require.Equal(t, "a@example.com", v.Types["email"])
	require.Equal(t, "long text", v.Types["textarea"])

	_, err = ParsePayload([]byte("input: [1, 2]"))
	require.Error(t, err)
}

func TestLoadPayloadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadPayload(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "payload.yml")
	require.NoError(t, os.WriteFile(path, []byte("q: search\n"), 0o600))
	v, err := LoadPayload(path)
	require.NoError(t, err)
	require.Equal(t, "search", v.Fields["q"])
}

func TestDecide(t *testing.T) {
	t.Parallel()

	values := Values{
		Fields: map[string]string{"user": "alice", "blank": ""},
		Types:  map[string]string{"email": "x@example.com", "textarea": "notes"},
	}
	fields := []browser.FormField{
		{Index: 0, Tag: "INPUT", Type: "hidden", Name: "csrf"},
		{Index: 1, Tag: "INPUT", Type: "text", Name: "user"},
		{Index: 2, Tag: "INPUT", Type: "email", Name: "mail"},
		{Index: 3, Tag: "INPUT", Type: "password", Name: "pw"},
		{Index: 4, Tag: "TEXTAREA", Type: "textarea", Name: "bio"},
		{Index: 5, Tag: "SELECT", Type: "select-one", Name: "country", FirstOption: "de", HasOptions: true},
		{Index: 6, Tag: "SELECT", Type: "select-one", Name: "empty"},
		{Index: 7, Tag: "BUTTON", Type: "submit", Name: "go"},
		{Index: 8, Tag: "INPUT", Type: "file", Name: "upload"},
		{Index: 9, Tag: "INPUT", Type: "text", Name: "blank"},
		{Index: 10, Tag: "INPUT", Type: "email"},
	}

	got, recorded := Decide(fields, values)
	require.Equal(t, []browser.FieldValue{
		{Index: 1, Value: "alice"},
		{Index: 2, Value: "x@example.com"},
		{Index: 3, Value: "pw"},
		{Index: 4, Value: "notes"},
		{Index: 5, Value: "de"},
		{Index: 6, Value: "empty"},
		{Index: 9, Value: "blank"},
		{Index: 10, Value: "x@example.com"},
	}, got)
	require.Equal(t, map[string]string{
		"mail":    "x@example.com",
		"pw":      "pw",
		"bio":     "notes",
		"country": "de",
		"empty":   "empty",
		"blank":   "blank",
	}, recorded)
}

func TestFillerRecordsOnSuccess(t *testing.T) {
	t.Parallel()

	filler := NewFiller(Values{Types: map[string]string{"text": "t"}})
	form := &fakeForm{fields: []browser.FormField{{Index: 0, Tag: "INPUT", Type: "text", Name: "q"}}}

	n, err := filler.Fill(context.Background(), form, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []browser.FieldValue{{Index: 0, Value: "t"}}, form.applied)
	require.Equal(t, "t", filler.Values().Fields["q"])

	// the recorded value now wins over the type default
	filler2 := NewFiller(Values{Fields: map[string]string{"q": "known"}, Types: map[string]string{"text": "t"}})
	_, err = filler2.Fill(context.Background(), form, 0)
	require.NoError(t, err)
	require.Equal(t, "known", form.applied[0].Value)
}

func TestFillerKeepsMappingOnFailure(t *testing.T) {
	t.Parallel()

	filler := NewFiller(Values{})
	form := &fakeForm{
		fields: []browser.FormField{{Index: 0, Tag: "INPUT", Type: "text", Name: "q"}},
		setErr: errors.New("execution context destroyed"),
	}
	_, err := filler.Fill(context.Background(), form, 0)
	require.Error(t, err)
	require.Empty(t, filler.Values().Fields)

	_, err = filler.Fill(context.Background(), &fakeForm{readErr: browser.ErrStaleElement}, 0)
	require.ErrorIs(t, err, browser.ErrStaleElement)
}

func TestFillerNoForm(t *testing.T) {
	t.Parallel()

	filler := NewFiller(Values{})
	n, err := filler.Fill(context.Background(), &fakeForm{readErr: browser.ErrNoForm}, 0)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestValuesCloneIsIndependent(t *testing.T) {
	t.Parallel()

	filler := NewFiller(Values{Fields: map[string]string{"a": "1"}})
	v := filler.Values()
	v.Fields["a"] = "changed"
	require.Equal(t, "1", filler.Values().Fields["a"])
}
