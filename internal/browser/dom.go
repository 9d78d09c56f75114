package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Evaluator runs a JavaScript expression in the page and decodes its JSON result
// into out.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, out any) error
}

// DOM implements the element-level Page methods on top of an Evaluator. Drivers
// embed it so the in-page logic is identical across engines.
type DOM struct {
	eval Evaluator
}

// NewDOM wraps eval.
func NewDOM(eval Evaluator) DOM {
	return DOM{eval: eval}
}

// helpers shared by every element script; defined inside each IIFE.
const jsHelpers = `
const cssPath = function (el) {
  const parts = [];
  while (el && el.nodeType === Node.ELEMENT_NODE) {
    let part = el.nodeName.toLowerCase();
    if (el.id) {
      parts.unshift(part + '#' + CSS.escape(el.id));
      break;
    }
    const parent = el.parentElement;
    if (parent) {
      const siblings = Array.from(parent.children);
      if (siblings.filter(c => c.nodeName === el.nodeName).length > 1) {
        part += ':nth-child(' + (siblings.indexOf(el) + 1) + ')';
      }
    }
    parts.unshift(part);
    el = parent;
  }
  return parts.join(' > ');
};
const clickableAt = function (sel, i) {
  const els = document.querySelectorAll(sel);
  return i >= 0 && i < els.length ? els[i] : null;
};
`

const (
	jsLinks = `(function (sel) {
  return Array.from(document.querySelectorAll(sel))
    .map(a => a.href)
    .filter(h => typeof h === 'string' && h !== '');
})`

	jsClickableCount = `(function (sel) {
  return document.querySelectorAll(sel).length;
})`

	jsDescribe = `(function (sel, i) {` + jsHelpers + `
  const el = clickableAt(sel, i);
  if (!el) return { found: false };
  const form = el.form || null;
  return {
    found: true,
    element: {
      cssPath: cssPath(el),
      outerHTML: el.outerHTML,
      formHTML: form ? form.outerHTML : '',
      inForm: !!form,
    },
  };
})`

	jsFormFields = `(function (sel, i) {` + jsHelpers + `
  const el = clickableAt(sel, i);
  if (!el) return { found: false };
  if (!el.form) return { found: true, inForm: false };
  const fields = Array.from(el.form.elements).map((f, idx) => {
    const opts = f.options ? Array.from(f.options) : [];
    return {
      index: idx,
      tag: f.tagName,
      type: typeof f.type === 'string' ? f.type : '',
      name: typeof f.name === 'string' ? f.name : '',
      firstOption: opts.length > 0 ? opts[0].value : '',
      hasOptions: opts.length > 0,
    };
  });
  return { found: true, inForm: true, fields: fields };
})`

	jsSetFormFields = `(function (sel, i, values) {` + jsHelpers + `
  const el = clickableAt(sel, i);
  if (!el) return { found: false };
  if (!el.form) return { found: true, inForm: false };
  const elements = el.form.elements;
  for (const v of values) {
    if (v.index >= 0 && v.index < elements.length) {
      elements[v.index].value = v.value;
    }
  }
  return { found: true, inForm: true };
})`

	// The click is deferred so the evaluation returns before any navigation or
	// dialog it triggers.
	jsClick = `(function (sel, i) {` + jsHelpers + `
  const el = clickableAt(sel, i);
  if (!el) return { found: false };
  setTimeout(function () { el.click(); }, 0);
  return { found: true };
})`

	jsSessionStorage = `(function () {
  const out = {};
  try {
    for (let i = 0; i < window.sessionStorage.length; i++) {
      const k = window.sessionStorage.key(i);
      out[k] = window.sessionStorage.getItem(k);
    }
  } catch (e) {}
  return out;
})`

	jsLocalStorage = `(function () {
  const items = {};
  try {
    for (let i = 0; i < window.localStorage.length; i++) {
      const k = window.localStorage.key(i);
      items[k] = window.localStorage.getItem(k);
    }
  } catch (e) {}
  return { origin: window.location.origin, items: items };
})`

	jsSetSessionStorage = `(function (entries) {
  try {
    for (const [k, v] of Object.entries(entries)) {
      window.sessionStorage.setItem(k, v);
    }
  } catch (e) {}
})`

	jsSetLocalStorage = `(function (origins) {
  try {
    const entries = origins[window.location.origin];
    if (!entries) return;
    for (const [k, v] of Object.entries(entries)) {
      window.localStorage.setItem(k, v);
    }
  } catch (e) {}
})`
)

// Call renders fn applied to the JSON encoding of args.
func Call(fn string, args ...any) (string, error) {
	encoded := make([]string, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("encode script argument %d: %w", i, err)
		}
		encoded[i] = string(raw)
	}
	return fn + "(" + strings.Join(encoded, ", ") + ")", nil
}

func (d DOM) run(ctx context.Context, out any, fn string, args ...any) error {
	expr, err := Call(fn, args...)
	if err != nil {
		return err
	}
	return d.eval.Evaluate(ctx, expr, out)
}

// Links returns the absolute hrefs of every genuine anchor.
func (d DOM) Links(ctx context.Context) ([]string, error) {
	var links []string
	if err := d.run(ctx, &links, jsLinks, LinkSelector); err != nil {
		return nil, fmt.Errorf("collect links: %w", err)
	}
	return links, nil
}

// ClickableCount returns how many clickable elements the page has right now.
func (d DOM) ClickableCount(ctx context.Context) (int, error) {
	var n int
	if err := d.run(ctx, &n, jsClickableCount, ClickableSelector); err != nil {
		return 0, fmt.Errorf("count clickables: %w", err)
	}
	return n, nil
}

// Describe returns the locator and markup of the clickable element at index.
func (d DOM) Describe(ctx context.Context, index int) (Element, error) {
	var res struct {
		Found   bool    `json:"found"`
		Element Element `json:"element"`
	}
	if err := d.run(ctx, &res, jsDescribe, ClickableSelector, index); err != nil {
		return Element{}, fmt.Errorf("describe clickable %d: %w", index, err)
	}
	if !res.Found {
		return Element{}, ErrStaleElement
	}
	return res.Element, nil
}

// FormFields lists the fields of the form enclosing the clickable at index.
func (d DOM) FormFields(ctx context.Context, index int) ([]FormField, error) {
	var res struct {
		Found  bool        `json:"found"`
		InForm bool        `json:"inForm"`
		Fields []FormField `json:"fields"`
	}
	if err := d.run(ctx, &res, jsFormFields, ClickableSelector, index); err != nil {
		return nil, fmt.Errorf("read form fields of clickable %d: %w", index, err)
	}
	switch {
	case !res.Found:
		return nil, ErrStaleElement
	case !res.InForm:
		return nil, ErrNoForm
	}
	return res.Fields, nil
}

// SetFormFields assigns values to the form enclosing the clickable at index.
func (d DOM) SetFormFields(ctx context.Context, index int, values []FieldValue) error {
	if values == nil {
		values = []FieldValue{}
	}
	var res struct {
		Found  bool `json:"found"`
		InForm bool `json:"inForm"`
	}
	if err := d.run(ctx, &res, jsSetFormFields, ClickableSelector, index, values); err != nil {
		return fmt.Errorf("fill form of clickable %d: %w", index, err)
	}
	switch {
	case !res.Found:
		return ErrStaleElement
	case !res.InForm:
		return ErrNoForm
	}
	return nil
}

// Click clicks the clickable at index.
func (d DOM) Click(ctx context.Context, index int) error {
	var res struct {
		Found bool `json:"found"`
	}
	if err := d.run(ctx, &res, jsClick, ClickableSelector, index); err != nil {
		return fmt.Errorf("click clickable %d: %w", index, err)
	}
	if !res.Found {
		return ErrStaleElement
	}
	return nil
}

// SessionStorage returns window.sessionStorage of the current document.
func (d DOM) SessionStorage(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	if err := d.run(ctx, &out, jsSessionStorage); err != nil {
		return nil, fmt.Errorf("read session storage: %w", err)
	}
	return out, nil
}

// LocalStorage returns the current origin and its localStorage items.
func (d DOM) LocalStorage(ctx context.Context) (string, map[string]string, error) {
	var res struct {
		Origin string            `json:"origin"`
		Items  map[string]string `json:"items"`
	}
	if err := d.run(ctx, &res, jsLocalStorage); err != nil {
		return "", nil, fmt.Errorf("read local storage: %w", err)
	}
	return res.Origin, res.Items, nil
}

// SessionStorageInitScript returns a document-start script that seeds
// window.sessionStorage with entries.
func SessionStorageInitScript(entries map[string]string) (string, error) {
	if entries == nil {
		entries = map[string]string{}
	}
	return Call(jsSetSessionStorage, entries)
}

// LocalStorageInitScript returns a document-start script that restores the
// localStorage recorded for the document's origin.
func LocalStorageInitScript(origins []Origin) (string, error) {
	byOrigin := make(map[string]map[string]string, len(origins))
	for _, o := range origins {
		items := make(map[string]string, len(o.LocalStorage))
		for _, nv := range o.LocalStorage {
			items[nv.Name] = nv.Value
		}
		byOrigin[o.Origin] = items
	}
	return Call(jsSetLocalStorage, byOrigin)
}
