package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Exposition selects how a tool's actions are projected onto the
// routing table.
type Exposition string

const (
	// ExpositionFlat gives every action its own route, maximising UI
	// granularity and privilege isolation. Default.
	ExpositionFlat Exposition = "flat"
	// ExpositionGrouped shares one route per tool with a discriminator
	// field selecting the action.
	ExpositionGrouped Exposition = "grouped"
)

// Config governs exposition compilation.
type Config struct {
	ToolExposition    Exposition
	ActionSeparator   string // default "_"
	DiscriminatorName string // default "action"
}

// DefaultConfig returns the kernel's default exposition configuration.
func DefaultConfig() Config {
	return Config{
		ToolExposition:    ExpositionFlat,
		ActionSeparator:   "_",
		DiscriminatorName: "action",
	}
}

// Annotations are client-facing hints about an action's side effects.
type Annotations struct {
	ReadOnly    bool
	Destructive bool
	Idempotent  bool
}

// Action is a single operation inside a Tool.
type Action struct {
	Key         string
	Description string
	Params      ParamSchema
	Middleware  []Middleware
	Presenter   *Presenter
	Annotations Annotations
	// Handler is a DirectHandler or GenerativeHandler. Anything else
	// fails registration.
	Handler any
}

// Tool is a named capability exposing one or more actions.
type Tool struct {
	Name        string
	Description string
	Actions     []Action
	Middleware  []Middleware // tool-global, outermost
	Common      ParamSchema  // merged into every action unless opted out
	Exclude     map[string][]string // actionKey -> common param names to drop
	Exposition  Exposition           // overrides Config.ToolExposition when set
	Tags        []string
}

// ToolDescriptor is the exposition-compiled, client-facing view of a
// tool returned by tools/list.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema ParamSchema
	Annotations Annotations
	Tags        []string
}

// CompiledAction is a single routed, fully-frozen execution unit.
type CompiledAction struct {
	RouteName     string
	ToolName      string
	ActionKey     string
	Grouped       bool
	Discriminator string
	Schema        ParamSchema
	Validator     *Validator
	Chain         CompiledChain
	Presenter     *Presenter
	Annotations   Annotations

	// Grouped-mode only: one compiled sub-unit per action key, selected
	// by the discriminator value after parsing (§4.1, §4.3 step 2).
	groupedChains map[string]CompiledChain
	groupedValids map[string]*Validator
	groupedSchema map[string]ParamSchema
	groupedPres   map[string]*Presenter
	groupedAnnot  map[string]Annotations
	groupedKeys   []string
}

// ResolveAction returns the sub-unit for actionKey in a grouped
// CompiledAction, or false if actionKey is not one of its actions.
func (c *CompiledAction) ResolveAction(actionKey string) (CompiledChain, *Validator, ParamSchema, *Presenter, Annotations, bool) {
	chain, ok := c.groupedChains[actionKey]
	if !ok {
		return nil, nil, nil, nil, Annotations{}, false
	}
	return chain, c.groupedValids[actionKey], c.groupedSchema[actionKey], c.groupedPres[actionKey], c.groupedAnnot[actionKey], true
}

// ActionKeys returns the sorted list of action keys available on a
// grouped CompiledAction.
func (c *CompiledAction) ActionKeys() []string { return c.groupedKeys }

// RoutingTable is the frozen output of exposition compilation.
type RoutingTable struct {
	Routes      map[string]*CompiledAction
	RouteOrder  []string
	Descriptors []ToolDescriptor
}

// Registry accumulates tools during the building phase and, once
// Finalize is called, is read-only.
type Registry struct {
	mu        sync.Mutex
	tools     []Tool
	toolNames map[string]struct{}
	finalized *RoutingTable
}

// NewRegistry creates an empty, building-phase registry.
func NewRegistry() *Registry {
	return &Registry{toolNames: make(map[string]struct{})}
}

// Register adds a tool. Fails if the name collides with a previously
// registered tool, if the tool has duplicate action keys, or if an
// action's Handler is neither a DirectHandler nor a GenerativeHandler.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized != nil {
		return fmt.Errorf("registry already finalized: cannot register tool %q", t.Name)
	}
	if _, exists := r.toolNames[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	seen := make(map[string]struct{}, len(t.Actions))
	for _, a := range t.Actions {
		if _, dup := seen[a.Key]; dup {
			return fmt.Errorf("tool %q: action key %q registered more than once", t.Name, a.Key)
		}
		seen[a.Key] = struct{}{}
		switch a.Handler.(type) {
		case DirectHandler, GenerativeHandler,
			func(context.Context, *ExecContext, map[string]any) (any, error),
			func(context.Context, *ExecContext, map[string]any) <-chan StreamItem:
		default:
			return fmt.Errorf("tool %q: action %q: %w", t.Name, a.Key, ErrUnknownHandlerKind)
		}
	}

	r.toolNames[t.Name] = struct{}{}
	r.tools = append(r.tools, t)
	return nil
}

// Finalize compiles the registered tools into a frozen RoutingTable.
// Idempotent: calling it twice returns the same structurally-identical
// table without recompiling.
func (r *Registry) Finalize(cfg Config) (*RoutingTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized != nil {
		return r.finalized, nil
	}

	if cfg.ActionSeparator == "" {
		cfg.ActionSeparator = "_"
	}
	if cfg.DiscriminatorName == "" {
		cfg.DiscriminatorName = "action"
	}

	if err := checkFieldCompatibility(r.tools); err != nil {
		return nil, err
	}

	table := &RoutingTable{Routes: make(map[string]*CompiledAction)}

	for _, t := range r.tools {
		exposition := cfg.ToolExposition
		if t.Exposition != "" {
			exposition = t.Exposition
		}

		switch exposition {
		case ExpositionGrouped:
			if err := compileGrouped(t, cfg, table); err != nil {
				return nil, err
			}
		default:
			if err := compileFlat(t, cfg, table); err != nil {
				return nil, err
			}
		}
	}

	sort.Strings(table.RouteOrder)
	r.finalized = table
	return table, nil
}

// List enumerates tool descriptors from the finalized table, optionally
// filtered by a glob over the descriptor name (the route name, e.g.
// "notes_list", for flat tools; the tool name for grouped tools) or by
// an exact tag match.
// Patterns use doublestar syntax (`*`, `**`, `?`, character classes).
func (r *Registry) List(namePattern, tag string) ([]ToolDescriptor, error) {
	r.mu.Lock()
	table := r.finalized
	r.mu.Unlock()
	if table == nil {
		return nil, fmt.Errorf("registry not finalized")
	}

	var out []ToolDescriptor
	for _, d := range table.Descriptors {
		if namePattern != "" {
			ok, err := doublestar.Match(namePattern, d.Name)
			if err != nil {
				return nil, fmt.Errorf("invalid name filter %q: %w", namePattern, err)
			}
			if !ok {
				continue
			}
		}
		if tag != "" && !hasTag(d.Tags, tag) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func mergedAnnotations(t Tool) Annotations {
	// A tool's annotations surface as the conjunction of its actions':
	// read-only only if every action is, destructive if any is.
	if len(t.Actions) == 0 {
		return Annotations{}
	}
	out := Annotations{ReadOnly: true, Idempotent: true}
	for _, a := range t.Actions {
		if !a.Annotations.ReadOnly {
			out.ReadOnly = false
		}
		if a.Annotations.Destructive {
			out.Destructive = true
		}
		if !a.Annotations.Idempotent {
			out.Idempotent = false
		}
	}
	return out
}

func mergeCommon(t Tool, a Action) ParamSchema {
	merged := a.Params.Clone()
	if merged == nil {
		merged = ParamSchema{}
	}
	excluded := map[string]struct{}{}
	for _, name := range t.Exclude[a.Key] {
		excluded[name] = struct{}{}
	}
	for name, def := range t.Common {
		if _, skip := excluded[name]; skip {
			continue
		}
		if _, already := merged[name]; !already {
			merged[name] = def
		}
	}
	return merged
}

func compileFlat(t Tool, cfg Config, table *RoutingTable) error {
	for _, a := range t.Actions {
		route := t.Name + cfg.ActionSeparator + a.Key
		if _, dup := table.Routes[route]; dup {
			return fmt.Errorf("route %q collides across tools", route)
		}
		schema := mergeCommon(t, a)
		chain := CompileChain(a.Handler, a.Middleware, t.Middleware)
		table.Routes[route] = &CompiledAction{
			RouteName:   route,
			ToolName:    t.Name,
			ActionKey:   a.Key,
			Schema:      schema,
			Validator:   CompileValidator(schema),
			Chain:       chain,
			Presenter:   a.Presenter,
			Annotations: a.Annotations,
		}
		table.RouteOrder = append(table.RouteOrder, route)
		table.Descriptors = append(table.Descriptors, ToolDescriptor{
			Name:        route,
			Description: flatActionDescription(t, a),
			InputSchema: schema,
			Annotations: a.Annotations,
			Tags:        t.Tags,
		})
	}
	return nil
}

// flatActionDescription composes a self-contained description for a
// flat route's descriptor: its own action description if it has one,
// falling back to the tool's, since the route is advertised standalone
// rather than alongside its siblings.
func flatActionDescription(t Tool, a Action) string {
	if a.Description != "" {
		return a.Description
	}
	return t.Description
}

func compileGrouped(t Tool, cfg Config, table *RoutingTable) error {
	route := t.Name
	if _, dup := table.Routes[route]; dup {
		return fmt.Errorf("route %q collides across tools", route)
	}

	// Grouped mode compiles one chain per action key and a discriminator
	// map to dispatch among them; the CompiledAction.Chain field is
	// unused here in favour of per-action sub-chains.
	chains := make(map[string]CompiledChain, len(t.Actions))
	validators := make(map[string]*Validator, len(t.Actions))
	schemas := make(map[string]ParamSchema, len(t.Actions))
	presenters := make(map[string]*Presenter, len(t.Actions))
	annotations := make(map[string]Annotations, len(t.Actions))
	var keys []string

	for _, a := range t.Actions {
		schema := mergeCommon(t, a)
		schemas[a.Key] = schema
		validators[a.Key] = CompileValidator(schema)
		chains[a.Key] = CompileChain(a.Handler, a.Middleware, t.Middleware)
		presenters[a.Key] = a.Presenter
		annotations[a.Key] = a.Annotations
		keys = append(keys, a.Key)
	}
	sort.Strings(keys)

	table.Routes[route] = &CompiledAction{
		RouteName:     route,
		ToolName:      t.Name,
		Grouped:       true,
		Discriminator: cfg.DiscriminatorName,
		Schema:        nil, // resolved per-action after discriminator parse
		Chain:         nil,
		groupedChains: chains,
		groupedValids: validators,
		groupedSchema: schemas,
		groupedPres:   presenters,
		groupedAnnot:  annotations,
		groupedKeys:   keys,
	}
	table.RouteOrder = append(table.RouteOrder, route)
	table.Descriptors = append(table.Descriptors, ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: toolInputSchema(t, cfg),
		Annotations: mergedAnnotations(t),
		Tags:        t.Tags,
	})
	return nil
}

// toolInputSchema builds the merged, discriminator-bearing input schema
// for a grouped tool's single descriptor. Flat mode has no analogous
// tool-level schema: each action gets its own descriptor in compileFlat.
func toolInputSchema(t Tool, cfg Config) ParamSchema {
	merged := ParamSchema{}
	for name, def := range t.Common {
		merged[name] = def
	}
	disc := Enum("Selects which action to perform", actionKeys(t.Actions)...)
	merged[cfg.DiscriminatorName] = disc

	for name, def := range merged {
		if name == cfg.DiscriminatorName {
			continue
		}
		merged[name] = annotateUsage(name, def, t)
	}
	return merged
}

func actionKeys(actions []Action) []string {
	keys := make([]string, 0, len(actions))
	for _, a := range actions {
		keys = append(keys, a.Key)
	}
	sort.Strings(keys)
	return keys
}

// annotateUsage appends "Required for: …" / "For: …" usage notes to a
// grouped-mode field's description, per §4.5.
func annotateUsage(name string, def ParamDef, t Tool) ParamDef {
	var required, optional []string
	for _, a := range t.Actions {
		excluded := false
		for _, x := range t.Exclude[a.Key] {
			if x == name {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		fieldDef, fromAction := a.Params[name]
		if !fromAction {
			// common field, present for every non-excluded action
			required = append(required, a.Key)
			continue
		}
		if fieldDef.Optional {
			optional = append(optional, a.Key)
		} else {
			required = append(required, a.Key)
		}
	}
	sort.Strings(required)
	sort.Strings(optional)

	suffix := ""
	switch {
	case len(optional) == 0 && len(required) == len(t.Actions):
		suffix = " (always required)"
	case len(required) > 0 && len(optional) > 0:
		suffix = fmt.Sprintf(" Required for: %s. For: %s.", joinKeys(required), joinKeys(optional))
	case len(required) > 0:
		suffix = fmt.Sprintf(" Required for: %s.", joinKeys(required))
	case len(optional) > 0:
		suffix = fmt.Sprintf(" For: %s.", joinKeys(optional))
	}
	def.Description = def.Description + suffix
	return def
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += k
	}
	return out
}

// checkFieldCompatibility enforces the cross-action field compatibility
// invariant within each tool (§3, §4.5).
func checkFieldCompatibility(tools []Tool) error {
	for _, t := range tools {
		seenBy := map[string]struct {
			action string
			def    ParamDef
		}{}
		for _, a := range t.Actions {
			schema := mergeCommon(t, a)
			for name, def := range schema {
				prior, ok := seenBy[name]
				if !ok {
					seenBy[name] = struct {
						action string
						def    ParamDef
					}{a.Key, def}
					continue
				}
				if err := CheckCompatible(t.Name, name, prior.action, prior.def, a.Key, def); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
