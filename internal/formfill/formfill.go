// Package formfill chooses values for form fields and remembers them for the rest
// of the crawl.
package formfill

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/statecrawler/internal/browser"
)

// TypesKey is the payload key that holds per-input-type defaults.
const TypesKey = "input"

// Values is the crawl-wide field value mapping.
type Values struct {
	// Fields maps a field name to the value used wherever that name appears.
	Fields map[string]string `json:"fields"`
	// Types maps an input type (and "textarea") to its default value.
	Types map[string]string `json:"types"`
}

// Clone returns a deep copy.
func (v Values) Clone() Values {
	out := Values{Fields: maps.Clone(v.Fields), Types: maps.Clone(v.Types)}
	if out.Fields == nil {
		out.Fields = map[string]string{}
	}
	if out.Types == nil {
		out.Types = map[string]string{}
	}
	return out
}

// LoadPayload reads the YAML payload file. Top-level keys are field names; the
// "input" key holds the per-type defaults.
func LoadPayload(path string) (Values, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Values{}, fmt.Errorf("read payload %s: %w", path, err)
	}
	return ParsePayload(raw)
}

// ParsePayload decodes a payload document.
func ParsePayload(raw []byte) (Values, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Values{}, fmt.Errorf("decode payload: %w", err)
	}
	v := Values{Fields: map[string]string{}, Types: map[string]string{}}
	for key, val := range doc {
		if key != TypesKey {
			v.Fields[key] = scalar(val)
			continue
		}
		types, ok := val.(map[string]any)
		if !ok {
			return Values{}, fmt.Errorf("payload key %q must be a mapping", TypesKey)
		}
		for typ, def := range types {
			v.Types[typ] = scalar(def)
		}
	}
	return v, nil
}

func scalar(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Decide picks a value for every editable field. It returns the assignments to
// apply and the values newly recorded for named fields.
func Decide(fields []browser.FormField, v Values) ([]browser.FieldValue, map[string]string) {
	var assignments []browser.FieldValue
	recorded := map[string]string{}
	for _, f := range fields {
		known := f.Name != "" && v.Fields[f.Name] != ""
		var value string
		switch strings.ToUpper(f.Tag) {
		case "INPUT":
			if f.Type == "hidden" || f.Type == "file" {
				continue
			}
			def, hasDefault := v.Types[f.Type]
			switch {
			case known:
				value = v.Fields[f.Name]
			case f.Type != "" && hasDefault:
				value = def
			default:
				value = f.Name
			}
		case "TEXTAREA":
			switch {
			case known:
				value = v.Fields[f.Name]
			case v.Types["textarea"] != "":
				value = v.Types["textarea"]
			default:
				value = f.Name
			}
		case "SELECT":
			switch {
			case known:
				value = v.Fields[f.Name]
			case f.HasOptions:
				value = f.FirstOption
			default:
				value = f.Name
			}
		default:
			continue
		}
		assignments = append(assignments, browser.FieldValue{Index: f.Index, Value: value})
		if !known && f.Name != "" {
			recorded[f.Name] = value
		}
	}
	return assignments, recorded
}

// FormPage is the part of browser.Page the filler drives.
type FormPage interface {
	FormFields(ctx context.Context, index int) ([]browser.FormField, error)
	SetFormFields(ctx context.Context, index int, values []browser.FieldValue) error
}

// Filler owns the shared Values for one crawl.
type Filler struct {
	mu     sync.Mutex
	values Values
}

// NewFiller starts from initial.
func NewFiller(initial Values) *Filler {
	return &Filler{values: initial.Clone()}
}

// Values returns a copy of the current mapping.
func (f *Filler) Values() Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values.Clone()
}

// Fill fills the form enclosing the clickable at index. An element outside any
// form is a no-op. Newly chosen values are recorded only when the page accepted
// the assignments, so a failure leaves the mapping as it was.
func (f *Filler) Fill(ctx context.Context, page FormPage, index int) (int, error) {
	fields, err := page.FormFields(ctx, index)
	if errors.Is(err, browser.ErrNoForm) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	snapshot := f.Values()
	assignments, recorded := Decide(fields, snapshot)
	if len(assignments) == 0 {
		return 0, nil
	}
	if err := page.SetFormFields(ctx, index, assignments); err != nil {
		if errors.Is(err, browser.ErrNoForm) {
			return 0, nil
		}
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for name, value := range recorded {
		if f.values.Fields[name] == "" {
			f.values.Fields[name] = value
		}
	}
	return len(assignments), nil
}
