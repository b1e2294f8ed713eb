package timetravel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// CELPrefix marks a query as a CEL boolean expression over `entry`.
const CELPrefix = "cel:"

// ErrEmptyQuery is returned for a query without terms.
var ErrEmptyQuery = errors.New("empty search query")

// fieldAliases maps short query field names onto payload keys.
var fieldAliases = map[string]string{
	"fn":       "function_name",
	"function": "function_name",
	"key":      "idempotency_key",
}

// Matcher decides whether an entry matches a query. A Matcher is not safe
// for concurrent use.
type Matcher interface {
	Match(e oplog.Entry) (bool, error)
}

// Compile parses a query. Plain queries are whitespace-separated terms;
// adjacent terms and AND bind tighter than OR. A term is either a bare word,
// matched against the entry text, or field:value, matched against any
// payload field of that name. Matching is case-insensitive.
func Compile(query string) (Matcher, error) {
	query = strings.TrimSpace(query)
	if strings.HasPrefix(query, CELPrefix) {
		return compileCEL(strings.TrimSpace(strings.TrimPrefix(query, CELPrefix)))
	}
	return compileTerms(query)
}

type term struct {
	field string
	value string
}

type termMatcher struct {
	// groups is a disjunction of conjunctions.
	groups [][]term
	folder *folder
}

type folder struct {
	caser cases.Caser
}

func newFolder() *folder { return &folder{caser: cases.Fold()} }

func (f *folder) fold(s string) string {
	return f.caser.String(norm.NFC.String(s))
}

func compileTerms(query string) (*termMatcher, error) {
	f := newFolder()
	m := &termMatcher{folder: f}
	var current []term
	for _, tok := range strings.Fields(query) {
		switch tok {
		case "OR":
			if len(current) == 0 {
				return nil, fmt.Errorf("invalid query %q: OR without a preceding term", query)
			}
			m.groups = append(m.groups, current)
			current = nil
			continue
		case "AND":
			if len(current) == 0 {
				return nil, fmt.Errorf("invalid query %q: AND without a preceding term", query)
			}
			continue
		}
		t := term{value: f.fold(tok)}
		if field, value, ok := strings.Cut(tok, ":"); ok && field != "" && value != "" {
			field = strings.ToLower(field)
			if alias, ok := fieldAliases[field]; ok {
				field = alias
			}
			t = term{field: field, value: f.fold(value)}
		}
		current = append(current, t)
	}
	if len(current) == 0 {
		if len(m.groups) == 0 {
			return nil, ErrEmptyQuery
		}
		return nil, fmt.Errorf("invalid query %q: dangling operator", query)
	}
	m.groups = append(m.groups, current)
	return m, nil
}

func (m *termMatcher) Match(e oplog.Entry) (bool, error) {
	doc, err := newDocument(e, m.folder)
	if err != nil {
		return false, err
	}
	for _, group := range m.groups {
		if doc.matchesAll(group) {
			return true, nil
		}
	}
	return false, nil
}

// document is the searchable projection of one entry.
type document struct {
	index    oplog.Index
	kind     string
	function string
	key      string
	text     string
	fields   map[string][]string
}

func newDocument(e oplog.Entry, f *folder) (*document, error) {
	var raw []byte
	if u, ok := e.Payload.(*oplog.Unknown); ok {
		raw = u.Raw
	} else {
		var err error
		if raw, err = json.Marshal(e.Payload); err != nil {
			return nil, fmt.Errorf("index entry %d: %w", e.Index, err)
		}
	}

	d := &document{
		index:  e.Index,
		kind:   string(e.Kind()),
		fields: make(map[string][]string),
	}
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		collectFields(parsed, "", d.fields)
	}
	if fn := d.fields["function_name"]; len(fn) > 0 {
		d.function = fn[0]
	}
	if key := d.fields["idempotency_key"]; len(key) > 0 {
		d.key = key[0]
	}
	d.fields["kind"] = []string{d.kind}
	d.fields["index"] = []string{strconv.FormatUint(uint64(e.Index), 10)}
	d.text = f.fold(d.kind + " " + string(raw))
	for k, values := range d.fields {
		for i := range values {
			values[i] = f.fold(values[i])
		}
		d.fields[k] = values
	}
	return d, nil
}

// collectFields flattens every scalar under an object key into fields[key].
func collectFields(v any, key string, fields map[string][]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectFields(t[k], strings.ToLower(k), fields)
		}
	case []any:
		for _, item := range t {
			collectFields(item, key, fields)
		}
	case nil:
	default:
		if key != "" {
			fields[key] = append(fields[key], fmt.Sprint(t))
		}
	}
}

func (d *document) matchesAll(terms []term) bool {
	for _, t := range terms {
		if !d.matches(t) {
			return false
		}
	}
	return true
}

func (d *document) matches(t term) bool {
	if t.field == "" {
		return strings.Contains(d.text, t.value)
	}
	for _, v := range d.fields[t.field] {
		if strings.Contains(v, t.value) {
			return true
		}
	}
	return false
}

type celMatcher struct {
	program cel.Program
	folder  *folder
}

func compileCEL(expr string) (*celMatcher, error) {
	if expr == "" {
		return nil, ErrEmptyQuery
	}
	env, err := cel.NewEnv(
		cel.Variable("entry", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: expression must be boolean, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return &celMatcher{program: prg, folder: newFolder()}, nil
}

func (m *celMatcher) Match(e oplog.Entry) (bool, error) {
	doc, err := newDocument(e, m.folder)
	if err != nil {
		return false, err
	}
	fields := make(map[string]any, len(doc.fields))
	for k, v := range doc.fields {
		fields[k] = v
	}
	out, _, err := m.program.Eval(map[string]any{
		"entry": map[string]any{
			"index":    int64(doc.index), //nolint:gosec
			"kind":     doc.kind,
			"function": doc.function,
			"key":      doc.key,
			"text":     doc.text,
			"fields":   fields,
		},
	})
	if err != nil {
		return false, fmt.Errorf("eval entry %d: %w", e.Index, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval entry %d: non-boolean result %v", e.Index, out.Value())
	}
	return matched, nil
}
