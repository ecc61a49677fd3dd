// Package schema loads and validates the schema context: the immutable,
// externally supplied description of the tables, columns, business-term
// definitions and default filters the copilot is allowed to reason
// about. The schema context is loaded once at startup and shared
// read-only; it is the only process-global state in the service.
package schema

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocVersion is the schema context document version this build understands.
const DocVersion = 1

// MetricKind describes how a metric column may be aggregated over time.
type MetricKind string

const (
	// MetricPointInTime marks snapshot metrics (balances, headcounts,
	// open-account counts). Summing them across time periods double
	// counts and is never a valid aggregation.
	MetricPointInTime MetricKind = "point_in_time"
	// MetricFlow marks additive metrics (revenue, transaction counts)
	// that may be summed across periods.
	MetricFlow MetricKind = "flow"
)

// Context is the parsed, validated schema context. All fields are
// treated as immutable after Parse returns.
type Context struct {
	Version  int             `yaml:"version"`
	Tables   []Table         `yaml:"tables"`
	Terms    []Term          `yaml:"terms"`
	Defaults []DefaultFilter `yaml:"defaults"`

	doc   string
	vocab map[string]struct{}
}

// Table describes one queryable table.
type Table struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	DateRange   *DateRange `yaml:"date_range,omitempty"`
	Columns     []Column   `yaml:"columns"`
}

// DateRange is the span of dates covered by a table's data, used to
// disclose time-window assumptions on answers.
type DateRange struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Column describes one column, optionally carrying metric semantics.
type Column struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Synonyms    []string `yaml:"synonyms,omitempty"`
	Metric      *Metric  `yaml:"metric,omitempty"`
}

// Metric carries the aggregation semantics of a metric column.
type Metric struct {
	Kind MetricKind `yaml:"kind"`
	Unit string     `yaml:"unit,omitempty"`
}

// Term is a business term with one or more candidate definitions.
// A term with multiple definitions is inherently ambiguous until the
// user picks one.
type Term struct {
	Term        string   `yaml:"term"`
	Definitions []string `yaml:"definitions"`
}

// DefaultFilter is a filter the schema declares as the unambiguous
// default when the question does not state one (e.g. "accounts" means
// open accounts). Resolving it silently is allowed, but the disclosure
// text must be surfaced as an assumption on the final answer.
type DefaultFilter struct {
	Name       string `yaml:"name"`
	Column     string `yaml:"column"`
	Value      string `yaml:"value"`
	Disclosure string `yaml:"disclosure"`
}

// Load reads and parses the schema context file at path.
func Load(path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a schema context YAML document and validates it. It is
// the canonical entry point for loading schema contexts.
func Parse(data []byte) (*Context, error) {
	var ctx Context
	if err := yaml.Unmarshal(data, &ctx); err != nil {
		return nil, fmt.Errorf("schema parse: %w", err)
	}
	if err := Validate(&ctx); err != nil {
		return nil, err
	}
	ctx.doc = render(&ctx)
	ctx.vocab = buildVocabulary(&ctx)
	return &ctx, nil
}

// Validate checks a Context for structural correctness. It returns the
// first validation error encountered, or nil if the context is valid.
func Validate(ctx *Context) error {
	if ctx == nil {
		return fmt.Errorf("schema context must not be nil")
	}
	if ctx.Version != DocVersion {
		return fmt.Errorf("version must be %d, got %d", DocVersion, ctx.Version)
	}
	if len(ctx.Tables) == 0 {
		return fmt.Errorf("tables must not be empty")
	}

	seenTables := make(map[string]struct{}, len(ctx.Tables))
	columns := make(map[string]struct{})
	for i, tbl := range ctx.Tables {
		if strings.TrimSpace(tbl.Name) == "" {
			return fmt.Errorf("tables[%d]: name must not be empty", i)
		}
		if _, dup := seenTables[tbl.Name]; dup {
			return fmt.Errorf("tables[%d]: duplicate name %q", i, tbl.Name)
		}
		seenTables[tbl.Name] = struct{}{}

		if len(tbl.Columns) == 0 {
			return fmt.Errorf("tables[%d] (%q): columns must not be empty", i, tbl.Name)
		}
		seenCols := make(map[string]struct{}, len(tbl.Columns))
		for j, col := range tbl.Columns {
			if strings.TrimSpace(col.Name) == "" {
				return fmt.Errorf("tables[%d].columns[%d]: name must not be empty", i, j)
			}
			if _, dup := seenCols[col.Name]; dup {
				return fmt.Errorf("tables[%d].columns[%d]: duplicate name %q", i, j, col.Name)
			}
			seenCols[col.Name] = struct{}{}
			columns[col.Name] = struct{}{}

			if col.Metric != nil {
				switch col.Metric.Kind {
				case MetricPointInTime, MetricFlow:
				default:
					return fmt.Errorf("tables[%d].columns[%d] (%q): unknown metric kind %q", i, j, col.Name, col.Metric.Kind)
				}
			}
		}
	}

	for i, term := range ctx.Terms {
		if strings.TrimSpace(term.Term) == "" {
			return fmt.Errorf("terms[%d]: term must not be empty", i)
		}
		if len(term.Definitions) == 0 {
			return fmt.Errorf("terms[%d] (%q): definitions must not be empty", i, term.Term)
		}
	}

	seenDefaults := make(map[string]struct{}, len(ctx.Defaults))
	for i, def := range ctx.Defaults {
		if strings.TrimSpace(def.Name) == "" {
			return fmt.Errorf("defaults[%d]: name must not be empty", i)
		}
		if _, dup := seenDefaults[def.Name]; dup {
			return fmt.Errorf("defaults[%d]: duplicate name %q", i, def.Name)
		}
		seenDefaults[def.Name] = struct{}{}
		if _, ok := columns[def.Column]; !ok {
			return fmt.Errorf("defaults[%d] (%q): column %q is not declared by any table", i, def.Name, def.Column)
		}
		if strings.TrimSpace(def.Disclosure) == "" {
			return fmt.Errorf("defaults[%d] (%q): disclosure must not be empty", i, def.Name)
		}
	}

	return nil
}

// Doc returns the rendered natural-language documentation of the schema
// context, suitable for embedding in collaborator prompts.
func (c *Context) Doc() string {
	return c.doc
}

// TermDefinitions returns the candidate definitions for a business term,
// matched case-insensitively. Returns nil when the term is undefined.
func (c *Context) TermDefinitions(term string) []string {
	for _, t := range c.Terms {
		if strings.EqualFold(t.Term, term) {
			return t.Definitions
		}
	}
	return nil
}

// DefaultByName returns the declared default filter with the given name.
func (c *Context) DefaultByName(name string) (DefaultFilter, bool) {
	for _, d := range c.Defaults {
		if d.Name == name {
			return d, true
		}
	}
	return DefaultFilter{}, false
}

// MetricKindOf returns the metric semantics of the named column.
// The second return value is false when the column carries no metric
// block (or does not exist).
func (c *Context) MetricKindOf(column string) (MetricKind, bool) {
	for _, tbl := range c.Tables {
		for _, col := range tbl.Columns {
			if col.Name == column && col.Metric != nil {
				return col.Metric.Kind, true
			}
		}
	}
	return "", false
}

// PointInTimeMetrics returns the names of all columns declared as
// point-in-time metrics, used by the conclusion guard.
func (c *Context) PointInTimeMetrics() []string {
	var names []string
	for _, tbl := range c.Tables {
		for _, col := range tbl.Columns {
			if col.Metric != nil && col.Metric.Kind == MetricPointInTime {
				names = append(names, col.Name)
			}
		}
	}
	return names
}

// MentionsVocabulary reports whether s references at least one table,
// column, synonym, or business term from the schema context. It is used
// to reject clarification options fabricated outside the schema's
// vocabulary.
func (c *Context) MentionsVocabulary(s string) bool {
	lower := strings.ToLower(s)
	for token := range c.vocab {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// render produces the prompt documentation block once at parse time.
func render(c *Context) string {
	var sb strings.Builder
	for _, tbl := range c.Tables {
		sb.WriteString("Table: ")
		sb.WriteString(tbl.Name)
		sb.WriteString("\n")
		if tbl.Description != "" {
			sb.WriteString("  Description: ")
			sb.WriteString(tbl.Description)
			sb.WriteString("\n")
		}
		if tbl.DateRange != nil {
			fmt.Fprintf(&sb, "  Dates available: %s to %s\n", tbl.DateRange.From, tbl.DateRange.To)
		}
		sb.WriteString("  Columns:\n")
		for _, col := range tbl.Columns {
			fmt.Fprintf(&sb, "    - %s: %s", col.Name, col.Description)
			if len(col.Synonyms) > 0 {
				fmt.Fprintf(&sb, " (also known as: %s)", strings.Join(col.Synonyms, ", "))
			}
			if col.Metric != nil {
				switch col.Metric.Kind {
				case MetricPointInTime:
					sb.WriteString(" [point-in-time metric: never sum across time periods]")
				case MetricFlow:
					sb.WriteString(" [flow metric: additive across time periods]")
				}
			}
			sb.WriteString("\n")
		}
	}
	if len(c.Terms) > 0 {
		sb.WriteString("Business terms:\n")
		for _, term := range c.Terms {
			fmt.Fprintf(&sb, "  - %s:\n", term.Term)
			for _, def := range term.Definitions {
				fmt.Fprintf(&sb, "      * %s\n", def)
			}
		}
	}
	if len(c.Defaults) > 0 {
		sb.WriteString("Default filters (apply silently when the question does not state one, always disclose):\n")
		for _, def := range c.Defaults {
			fmt.Fprintf(&sb, "  - %s: %s = %s (%s)\n", def.Name, def.Column, def.Value, def.Disclosure)
		}
	}
	return sb.String()
}

// buildVocabulary collects the lowercase token set used by
// MentionsVocabulary. Underscored identifiers contribute both the full
// identifier and their individual words so "open accounts" matches an
// open_accounts default.
func buildVocabulary(c *Context) map[string]struct{} {
	vocab := make(map[string]struct{})
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if len(s) < 3 {
			return
		}
		vocab[s] = struct{}{}
		for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == ' ' }) {
			if len(part) >= 3 {
				vocab[part] = struct{}{}
			}
		}
	}
	for _, tbl := range c.Tables {
		add(tbl.Name)
		for _, col := range tbl.Columns {
			add(col.Name)
			for _, syn := range col.Synonyms {
				add(syn)
			}
		}
	}
	for _, term := range c.Terms {
		add(term.Term)
	}
	return vocab
}
