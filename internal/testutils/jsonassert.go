package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in an expected document matches any actual value under that key.
const Presence = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys  bool     `default:"true"`
	NilToEmptyArray  bool     `default:"true"`
	AllowPresence    bool     `default:"true"`
	IgnoreArrayOrder bool     `default:"false"`
	IgnoredFields    []string `default:""`
}

type Option func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a readable
// diff. By default keys missing from the expected document are ignored.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert compares actualJSON against expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals v and compares it against expectedJSON.
func (ja *JSONAsserter) AssertValue(v any, expectedJSON string) {
	ja.Assert(MustJSON(v), expectedJSON)
}

// Diff returns "" when the documents match under the current options.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only compares objects at the root
	if isArray(expected) && isArray(actual) {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	if ja.options.AllowPresence {
		fillPresence(expected, actual)
	}
	if ja.options.NilToEmptyArray {
		normalizeNilArrays(expected, actual)
	}
	// ignored fields must go before sorting, they would skew the order
	for _, field := range ja.options.IgnoredFields {
		removeField(expected, actual, field)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// walk calls fn for every pair of objects found at the same path.
func walk(expected, actual any, fn func(exp, act map[string]any)) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		fn(exp, act)
		for k := range exp {
			walk(exp[k], act[k], fn)
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				walk(exp[i], act[i], fn)
			}
		}
	}
}

func fillPresence(expected, actual any) {
	walk(expected, actual, func(exp, act map[string]any) {
		for k, v := range exp {
			if s, ok := v.(string); ok && s == Presence {
				if av, present := act[k]; present {
					exp[k] = av
				}
			}
		}
	})
}

// normalizeNilArrays treats null and [] as equal.
func normalizeNilArrays(expected, actual any) {
	walk(expected, actual, func(exp, act map[string]any) {
		for k := range exp {
			if emptyOrNil(exp[k]) && emptyOrNil(act[k]) {
				exp[k] = []any{}
				act[k] = []any{}
			}
		}
	})
}

func emptyOrNil(v any) bool {
	if v == nil {
		return true
	}
	arr, ok := v.([]any)
	return ok && len(arr) == 0
}

func pruneExtraKeys(actual, expected any) {
	walk(expected, actual, func(exp, act map[string]any) {
		for k := range act {
			if _, ok := exp[k]; !ok {
				delete(act, k)
			}
		}
	})
}

func removeField(expected, actual any, field string) {
	walk(expected, actual, func(exp, act map[string]any) {
		delete(exp, field)
		delete(act, field)
	})
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

// sortArrays orders every array by the JSON encoding of its elements.
func sortArrays(data any) {
	switch v := data.(type) {
	case map[string]any:
		for k := range v {
			sortArrays(v[k])
		}
	case []any:
		for _, elem := range v {
			sortArrays(elem)
		}
		sort.Slice(v, func(i, j int) bool {
			return MustJSON(v[i]) < MustJSON(v[j])
		})
	}
}

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithNilToEmptyArray(normalize bool) Option {
	return func(o *JSONAssertOptions) { o.NilToEmptyArray = normalize }
}

func WithAllowPresence(allow bool) Option {
	return func(o *JSONAssertOptions) { o.AllowPresence = allow }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
