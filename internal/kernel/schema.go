package kernel

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ParamKind is the tagged-variant discriminator for a parameter
// definition. There is no runtime reflection over parameter metadata —
// every fact about a parameter (optionality, bounds, enum set) lives on
// the ParamDef value itself.
type ParamKind string

const (
	KindString  ParamKind = "string"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
	KindEnum    ParamKind = "enum"
	KindArray   ParamKind = "array"
)

// ParamDef is a single parameter's typed definition. Construct one with
// String/Number/Boolean/Enum/Array and refine it with the chained
// Opt/WithMin/WithMax/etc. methods; each returns a new value so definitions can
// be shared and specialised without aliasing surprises.
type ParamDef struct {
	Kind        ParamKind
	Description string
	Optional    bool
	Integer     bool // numeric kind rendered as JSON-Schema "integer"
	Min, Max    *float64
	MinLen      *int
	MaxLen      *int
	MinItems    *int
	MaxItems    *int
	EnumValues  []string
	Item        *ParamDef // element definition, KindArray only
}

func String(description string) ParamDef {
	return ParamDef{Kind: KindString, Description: description}
}

func Number(description string) ParamDef {
	return ParamDef{Kind: KindNumber, Description: description}
}

func Integer(description string) ParamDef {
	return ParamDef{Kind: KindNumber, Integer: true, Description: description}
}

func Boolean(description string) ParamDef {
	return ParamDef{Kind: KindBoolean, Description: description}
}

func Enum(description string, values ...string) ParamDef {
	return ParamDef{Kind: KindEnum, Description: description, EnumValues: values}
}

func Array(description string, item ParamDef) ParamDef {
	return ParamDef{Kind: KindArray, Description: description, Item: &item}
}

func (p ParamDef) Opt() ParamDef { p.Optional = true; return p }

func (p ParamDef) WithMin(n float64) ParamDef { p.Min = &n; return p }
func (p ParamDef) WithMax(n float64) ParamDef { p.Max = &n; return p }

func (p ParamDef) WithMinLen(n int) ParamDef { p.MinLen = &n; return p }
func (p ParamDef) WithMaxLen(n int) ParamDef { p.MaxLen = &n; return p }

func (p ParamDef) WithMinItems(n int) ParamDef { p.MinItems = &n; return p }
func (p ParamDef) WithMaxItems(n int) ParamDef { p.MaxItems = &n; return p }

// ParamSchema is a mapping from parameter name to its definition — the
// unit registered per action, merged with a tool's common parameters at
// exposition time.
type ParamSchema map[string]ParamDef

// Clone returns a shallow copy safe to mutate (adding/removing keys)
// without aliasing the original map.
func (s ParamSchema) Clone() ParamSchema {
	out := make(ParamSchema, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Required returns the sorted list of non-optional field names.
func (s ParamSchema) Required() []string {
	var req []string
	for name, def := range s {
		if !def.Optional {
			req = append(req, name)
		}
	}
	sort.Strings(req)
	return req
}

// JSONSchema emits a JSON-Schema draft-7 fragment describing s.
func (s ParamSchema) JSONSchema() json.RawMessage {
	props := make(map[string]any, len(s))
	for name, def := range s {
		props[name] = def.jsonSchemaFragment()
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := s.Required(); len(req) > 0 {
		doc["required"] = req
	}
	b, err := json.Marshal(doc)
	if err != nil {
		// props/doc are built entirely from known Go types; this path is
		// unreachable in practice.
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(b)
}

func (p ParamDef) jsonSchemaFragment() map[string]any {
	frag := map[string]any{}
	if p.Description != "" {
		frag["description"] = p.Description
	}
	switch p.Kind {
	case KindString:
		frag["type"] = "string"
		if p.MinLen != nil {
			frag["minLength"] = *p.MinLen
		}
		if p.MaxLen != nil {
			frag["maxLength"] = *p.MaxLen
		}
	case KindNumber:
		if p.Integer {
			frag["type"] = "integer"
		} else {
			frag["type"] = "number"
		}
		if p.Min != nil {
			frag["minimum"] = *p.Min
		}
		if p.Max != nil {
			frag["maximum"] = *p.Max
		}
	case KindBoolean:
		frag["type"] = "boolean"
	case KindEnum:
		frag["type"] = "string"
		frag["enum"] = p.EnumValues
	case KindArray:
		frag["type"] = "array"
		if p.Item != nil {
			frag["items"] = p.Item.jsonSchemaFragment()
		}
		if p.MinItems != nil {
			frag["minItems"] = *p.MinItems
		}
		if p.MaxItems != nil {
			frag["maxItems"] = *p.MaxItems
		}
	}
	return frag
}

// normalizedType returns the base type used for cross-action field
// compatibility: integer and number collapse to "number".
func (p ParamDef) normalizedType() string {
	switch p.Kind {
	case KindEnum:
		return "enum"
	case KindNumber:
		return "number"
	default:
		return string(p.Kind)
	}
}

// CompatibilityError describes why two declarations of the same
// parameter name, across different actions of one tool, cannot coexist.
type CompatibilityError struct {
	Tool, Field, ActionA, ActionB, Detail string
}

func (e *CompatibilityError) Error() string {
	return fmt.Sprintf("tool %q: field %q incompatible between actions %q and %q: %s",
		e.Tool, e.Field, e.ActionA, e.ActionB, e.Detail)
}

// CheckCompatible verifies that two ParamDefs declared for the same
// field name (in different actions of one tool) can share a merged
// schema: normalised base type equality, and identical enum value sets
// whenever either side declares an enum.
func CheckCompatible(tool, field, actionA string, a ParamDef, actionB string, b ParamDef) error {
	ta, tb := a.normalizedType(), b.normalizedType()
	if (ta == "enum" || tb == "enum") && ta != tb {
		return &CompatibilityError{tool, field, actionA, actionB,
			fmt.Sprintf("%s declares enum, %s declares %s", pick(ta == "enum", actionA, actionB), pick(ta == "enum", actionB, actionA), pick(ta == "enum", tb, ta))}
	}
	if ta != tb {
		return &CompatibilityError{tool, field, actionA, actionB,
			fmt.Sprintf("type %s (%s) vs type %s (%s)", ta, actionA, tb, actionB)}
	}
	if ta == "enum" {
		if !sameSet(a.EnumValues, b.EnumValues) {
			return &CompatibilityError{tool, field, actionA, actionB,
				fmt.Sprintf("enum values differ: [%s] (%s) vs [%s] (%s)",
					strings.Join(a.EnumValues, ","), actionA, strings.Join(b.EnumValues, ","), actionB)}
		}
	}
	return nil
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			return false
		}
	}
	return true
}

// FieldError is a single validation failure, formatted per the pipeline's
// "{tool/action} path: message" convention by the caller.
type FieldError struct {
	Path    string
	Message string
}

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// Validator is a compiled, read-only view over a ParamSchema that
// coerces and type-checks raw argument maps. It is built once at
// registration time and is safe for concurrent use.
type Validator struct {
	schema ParamSchema
}

// CompileValidator builds a Validator bound to schema.
func CompileValidator(schema ParamSchema) *Validator {
	return &Validator{schema: schema.Clone()}
}

// Validate type-checks and coerces raw into a validated record. Unknown
// keys in raw are silently dropped (the validated record only ever
// contains schema-declared fields); missing required fields or
// constraint violations are returned as FieldErrors.
func (v *Validator) Validate(raw map[string]any) (map[string]any, []FieldError) {
	out := make(map[string]any, len(v.schema))
	var errs []FieldError

	names := make([]string, 0, len(v.schema))
	for name := range v.schema {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := v.schema[name]
		val, present := raw[name]
		if !present {
			if !def.Optional {
				errs = append(errs, FieldError{Path: name, Message: "is required"})
			}
			continue
		}
		coerced, err := validateField(name, def, val)
		if err != nil {
			errs = append(errs, FieldError{Path: name, Message: err.Error()})
			continue
		}
		out[name] = coerced
	}
	return out, errs
}

func validateField(name string, def ParamDef, val any) (any, error) {
	switch def.Kind {
	case KindString:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", val)
		}
		tag := lenTag(def.MinLen, def.MaxLen)
		if tag != "" {
			if err := structValidate.Var(s, tag); err != nil {
				return nil, fmt.Errorf("length must satisfy %s", tag)
			}
		}
		return s, nil
	case KindBoolean:
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", val)
		}
		return b, nil
	case KindNumber:
		n, ok := asFloat(val)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", val)
		}
		tag := rangeTag(def.Min, def.Max)
		if tag != "" {
			if err := structValidate.Var(n, tag); err != nil {
				return nil, fmt.Errorf("must satisfy %s", tag)
			}
		}
		return n, nil
	case KindEnum:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("expected string enum, got %T", val)
		}
		if err := structValidate.Var(s, "oneof="+strings.Join(def.EnumValues, " ")); err != nil {
			return nil, fmt.Errorf("must be one of [%s]", strings.Join(def.EnumValues, ", "))
		}
		return s, nil
	case KindArray:
		arr, ok := val.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", val)
		}
		if def.MinItems != nil && len(arr) < *def.MinItems {
			return nil, fmt.Errorf("must have at least %d items", *def.MinItems)
		}
		if def.MaxItems != nil && len(arr) > *def.MaxItems {
			return nil, fmt.Errorf("must have at most %d items", *def.MaxItems)
		}
		coercedArr := make([]any, len(arr))
		for i, elem := range arr {
			var item ParamDef
			if def.Item != nil {
				item = *def.Item
			} else {
				item = String("")
			}
			ce, err := validateField(fmt.Sprintf("%s[%d]", name, i), item, elem)
			if err != nil {
				return nil, err
			}
			coercedArr[i] = ce
		}
		return coercedArr, nil
	default:
		return val, nil
	}
}

func asFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func lenTag(minLen, maxLen *int) string {
	switch {
	case minLen != nil && maxLen != nil:
		return fmt.Sprintf("min=%d,max=%d", *minLen, *maxLen)
	case minLen != nil:
		return fmt.Sprintf("min=%d", *minLen)
	case maxLen != nil:
		return fmt.Sprintf("max=%d", *maxLen)
	default:
		return ""
	}
}

func rangeTag(min, max *float64) string {
	switch {
	case min != nil && max != nil:
		return fmt.Sprintf("min=%g,max=%g", *min, *max)
	case min != nil:
		return fmt.Sprintf("min=%g", *min)
	case max != nil:
		return fmt.Sprintf("max=%g", *max)
	default:
		return ""
	}
}
