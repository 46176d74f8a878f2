package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/itchyny/gojq"
)

// RedactionMarker is the sentinel substituted at every redacted path.
// It is stable across releases so downstream consumers can detect it.
const RedactionMarker = "[REDACTED]"

// Rule is a single instruction the presenter injects into the
// [SYSTEM_RULES] block, either a fixed string or one computed from the
// execution context at present time.
type Rule struct {
	Static  string
	Dynamic func(ctx context.Context) string
}

func (r Rule) resolve(ctx context.Context) string {
	if r.Dynamic != nil {
		return r.Dynamic(ctx)
	}
	return r.Static
}

// StaticRule builds a fixed rule string.
func StaticRule(s string) Rule { return Rule{Static: s} }

// DynamicRule builds a rule computed per-request from ctx.
func DynamicRule(fn func(ctx context.Context) string) Rule { return Rule{Dynamic: fn} }

// SuggestedAction is a follow-up tool the LLM may want to call.
type SuggestedAction struct {
	Tool   string
	Reason string
}

// AgentLimit bounds how many rows of a collection a caller may see.
type AgentLimit struct {
	Max int
	// OnTruncate builds the UI block appended when the collection is
	// truncated; originalCount is the pre-truncation length.
	OnTruncate func(originalCount int) ContentBlock
}

// DefaultOnTruncate renders a plain truncation notice.
func DefaultOnTruncate(originalCount, kept int) ContentBlock {
	return TextBlock(fmt.Sprintf("%d items hidden (showing %d of %d).", originalCount-kept, kept, originalCount))
}

// PresenterValidationError marks a handler output that fails to conform
// to its presenter's declared schema — a server-side programming error,
// not a user-facing one. Severity is always "critical".
type PresenterValidationError struct {
	Presenter string
	Fields    []FieldError
}

func (e *PresenterValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Message))
	}
	return fmt.Sprintf("presenter %q: output failed validation: %s", e.Presenter, strings.Join(parts, "; "))
}

// Presenter shapes a handler's raw output into a WireResponse: it
// validates against a declared schema (dropping undeclared fields —
// the egress firewall), redacts sensitive paths, applies field
// selection, truncates oversized collections, composes UI blocks, and
// embeds child presenters' rules for relational composition.
type Presenter struct {
	Name             string
	Schema           ParamSchema
	Rules            []Rule
	ElementUI        func(datum map[string]any) []ContentBlock
	CollectionUI     func(data []map[string]any) []ContentBlock
	AgentLimit       *AgentLimit
	RedactPaths      []string
	SuggestedActions func(datum map[string]any) []SuggestedAction
	Embeds           map[string]*Presenter
	AutoRules        bool

	validator *Validator
}

// NewPresenter constructs a presenter bound to schema. Call the chained
// With* setters to add rules, UI builders, redaction, and embeds.
func NewPresenter(name string, schema ParamSchema) *Presenter {
	return &Presenter{Name: name, Schema: schema, validator: CompileValidator(schema)}
}

func (p *Presenter) WithRules(rules ...Rule) *Presenter       { p.Rules = append(p.Rules, rules...); return p }
func (p *Presenter) WithAutoRules() *Presenter                { p.AutoRules = true; return p }
func (p *Presenter) WithRedact(paths ...string) *Presenter    { p.RedactPaths = append(p.RedactPaths, paths...); return p }
func (p *Presenter) WithAgentLimit(max int, onTruncate func(int) ContentBlock) *Presenter {
	p.AgentLimit = &AgentLimit{Max: max, OnTruncate: onTruncate}
	return p
}
func (p *Presenter) WithElementUI(fn func(map[string]any) []ContentBlock) *Presenter {
	p.ElementUI = fn
	return p
}
func (p *Presenter) WithCollectionUI(fn func([]map[string]any) []ContentBlock) *Presenter {
	p.CollectionUI = fn
	return p
}
func (p *Presenter) WithSuggestedActions(fn func(map[string]any) []SuggestedAction) *Presenter {
	p.SuggestedActions = fn
	return p
}
func (p *Presenter) WithEmbed(key string, child *Presenter) *Presenter {
	if p.Embeds == nil {
		p.Embeds = map[string]*Presenter{}
	}
	p.Embeds[key] = child
	return p
}

// GetAgentLimitMax returns the configured agent limit, or 0 if unset.
func (p *Presenter) GetAgentLimitMax() int {
	if p.AgentLimit == nil {
		return 0
	}
	return p.AgentLimit.Max
}

// GetSchemaKeys returns the declared field names, sorted.
func (p *Presenter) GetSchemaKeys() []string {
	keys := make([]string, 0, len(p.Schema))
	for k := range p.Schema {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetRedactPaths returns the configured redaction paths.
func (p *Presenter) GetRedactPaths() []string { return p.RedactPaths }

// PresentOptions carries per-call modifiers driven by caller arguments.
type PresentOptions struct {
	Select []string // `_select`: narrows output to a subset of schema fields
}

// Present runs a single datum through the presenter pipeline.
func (p *Presenter) Present(ctx context.Context, datum any, opts PresentOptions) (WireResponse, error) {
	validated, err := p.validateOne(datum)
	if err != nil {
		return WireResponse{}, err
	}
	return p.compose(ctx, []map[string]any{validated}, false, opts)
}

// PresentMany runs a collection through the presenter pipeline,
// truncating to AgentLimit.Max when necessary.
func (p *Presenter) PresentMany(ctx context.Context, data []any, opts PresentOptions) (WireResponse, error) {
	validated := make([]map[string]any, 0, len(data))
	for _, d := range data {
		v, err := p.validateOne(d)
		if err != nil {
			return WireResponse{}, err
		}
		validated = append(validated, v)
	}
	return p.compose(ctx, validated, true, opts)
}

// PresentAny dispatches to Present or PresentMany depending on whether
// raw is a slice, so pipeline post-processing doesn't need to know.
func (p *Presenter) PresentAny(ctx context.Context, raw any, opts PresentOptions) (WireResponse, error) {
	v := reflect.ValueOf(raw)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		items := make([]any, v.Len())
		for i := range items {
			items[i] = v.Index(i).Interface()
		}
		return p.PresentMany(ctx, items, opts)
	}
	return p.Present(ctx, raw, opts)
}

func (p *Presenter) validateOne(datum any) (map[string]any, error) {
	raw, err := toMap(datum)
	if err != nil {
		return nil, &PresenterValidationError{Presenter: p.Name, Fields: []FieldError{{Path: "$", Message: err.Error()}}}
	}
	validated, errs := p.validator.Validate(raw)
	if len(errs) > 0 {
		return nil, &PresenterValidationError{Presenter: p.Name, Fields: errs}
	}
	return validated, nil
}

func (p *Presenter) compose(ctx context.Context, elements []map[string]any, isCollection bool, opts PresentOptions) (WireResponse, error) {
	originalCount := len(elements)
	truncated := false
	if isCollection && p.AgentLimit != nil && p.AgentLimit.Max > 0 && len(elements) > p.AgentLimit.Max {
		elements = elements[:p.AgentLimit.Max]
		truncated = true
	}

	for i, el := range elements {
		redacted := el
		for _, path := range p.RedactPaths {
			var err error
			redacted, err = redactPath(redacted, path)
			if err != nil {
				return WireResponse{}, fmt.Errorf("presenter %q: redacting %q: %w", p.Name, path, err)
			}
		}
		elements[i] = redacted
	}

	if len(opts.Select) > 0 {
		for i, el := range elements {
			elements[i] = selectFields(el, opts.Select)
		}
	}

	var content []ContentBlock

	if isCollection {
		primary, err := json.Marshal(mapsToAny(elements))
		if err != nil {
			return WireResponse{}, err
		}
		content = append(content, TextBlock(string(primary)))
	} else {
		primary, err := json.Marshal(elements[0])
		if err != nil {
			return WireResponse{}, err
		}
		content = append(content, TextBlock(string(primary)))
	}

	if p.ElementUI != nil {
		for _, el := range elements {
			content = append(content, p.ElementUI(el)...)
		}
	}
	if isCollection && p.CollectionUI != nil {
		content = append(content, p.CollectionUI(elements)...)
	}
	if truncated && p.AgentLimit != nil {
		onTruncate := p.AgentLimit.OnTruncate
		if onTruncate == nil {
			onTruncate = func(n int) ContentBlock { return DefaultOnTruncate(n, len(elements)) }
		}
		content = append(content, onTruncate(originalCount))
	}

	if p.SuggestedActions != nil {
		var actions []SuggestedAction
		for _, el := range elements {
			actions = append(actions, p.SuggestedActions(el)...)
		}
		if len(actions) > 0 {
			content = append(content, suggestedActionsBlock(actions))
		}
	}

	rules := p.collectRules(ctx)
	content = append(content, SystemRulesBlock(rules))

	return WireResponse{Content: content}, nil
}

// collectRules gathers static + dynamic rules, optionally auto-derived
// schema field descriptions, plus every embedded child's rules.
func (p *Presenter) collectRules(ctx context.Context) []string {
	var rules []string
	for _, r := range p.Rules {
		rules = append(rules, r.resolve(ctx))
	}
	if p.AutoRules {
		for _, k := range p.GetSchemaKeys() {
			if def, ok := p.Schema[k]; ok && def.Description != "" {
				rules = append(rules, fmt.Sprintf("%s: %s", k, def.Description))
			}
		}
	}
	keys := make([]string, 0, len(p.Embeds))
	for k := range p.Embeds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rules = append(rules, p.Embeds[k].collectRules(ctx)...)
	}
	return rules
}

func suggestedActionsBlock(actions []SuggestedAction) ContentBlock {
	var sb strings.Builder
	sb.WriteString("[SUGGESTED_ACTIONS]\n")
	for _, a := range actions {
		fmt.Fprintf(&sb, "- %s: %s\n", a.Tool, a.Reason)
	}
	return TextBlock(sb.String())
}

func toMap(datum any) (map[string]any, error) {
	if m, ok := datum.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(datum)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("datum is not an object: %w", err)
	}
	return m, nil
}

func mapsToAny(ms []map[string]any) []any {
	out := make([]any, len(ms))
	for i, m := range ms {
		out[i] = m
	}
	return out
}

func selectFields(el map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := el[f]; ok {
			out[f] = v
		}
	}
	return out
}

var jqSegment = regexp.MustCompile(`^[0-9]+$`)

// dottedToJQPath converts a dotted redaction path (object keys and
// array indices mixed, e.g. "items.0.ssn") into jq path syntax
// (".items[0].ssn") for gojq to compile.
func dottedToJQPath(path string) string {
	var sb strings.Builder
	for _, seg := range strings.Split(path, ".") {
		if jqSegment.MatchString(seg) {
			sb.WriteString("[")
			sb.WriteString(seg)
			sb.WriteString("]")
			continue
		}
		sb.WriteString(".")
		sb.WriteString(seg)
	}
	return sb.String()
}

// redactPath replaces the value at a dotted path with RedactionMarker,
// via a gojq path-assignment query. Paths that don't exist in data are
// a no-op rather than an error — a presenter's redact list is allowed
// to be broader than any one datum's actual shape.
func redactPath(data map[string]any, path string) (map[string]any, error) {
	jqPath := dottedToJQPath(path)
	query, err := gojq.Parse(fmt.Sprintf("if (try (%s) catch null) == null then . else %s = $marker end", jqPath, jqPath))
	if err != nil {
		return nil, fmt.Errorf("parsing redact path %q: %w", path, err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$marker"}))
	if err != nil {
		return nil, fmt.Errorf("compiling redact path %q: %w", path, err)
	}
	iter := code.Run(data, RedactionMarker)
	v, ok := iter.Next()
	if !ok {
		return data, nil
	}
	if _, ok := v.(error); ok {
		// Path segment not present on this datum: leave it untouched.
		return data, nil
	}
	out, ok := v.(map[string]any)
	if !ok {
		return data, nil
	}
	return out, nil
}
