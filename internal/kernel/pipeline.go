package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Builder is implemented by handler return values that already know how
// to render themselves to a WireResponse (post-processing priority 2).
type Builder interface {
	Build() WireResponse
}

// Kernel binds a frozen RoutingTable to the dispatch pipeline, plus the
// optional state-sync decorator and observability hooks. It is
// immutable after construction and safe for concurrent use.
type Kernel struct {
	table     *RoutingTable
	stateSync *StateSync
	observer  Observer
	tracer    Tracer
}

// Option configures optional Kernel behaviour.
type Option func(*Kernel)

// WithStateSync attaches the state-sync decorator.
func WithStateSync(s *StateSync) Option { return func(k *Kernel) { k.stateSync = s } }

// WithObserver attaches a dispatch lifecycle observer.
func WithObserver(o Observer) Option { return func(k *Kernel) { k.observer = o } }

// WithTracer attaches a tracing strategy.
func WithTracer(t Tracer) Option { return func(k *Kernel) { k.tracer = t } }

// New binds table (the output of Registry.Finalize) to a Kernel.
func New(table *RoutingTable, opts ...Option) *Kernel {
	k := &Kernel{table: table, observer: NoopObserver, tracer: NoopTracer}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Descriptors returns the tools/list view, with cache-control
// decoration applied if state-sync is configured.
func (k *Kernel) Descriptors() []ToolDescriptor {
	out := make([]ToolDescriptor, len(k.table.Descriptors))
	copy(out, k.table.Descriptors)
	if k.stateSync != nil {
		for i, d := range out {
			out[i].Description = k.stateSync.DecorateDescription(k.policyKeyForDescriptor(d.Name), d.Description)
		}
	}
	return out
}

// policyKeyForDescriptor resolves the dotted toolName.actionKey used to
// match state-sync policies for a descriptor. Flat routes carry their
// own ActionKey; a grouped route's single descriptor covers every
// action, so it resolves on the bare tool name instead.
func (k *Kernel) policyKeyForDescriptor(routeName string) string {
	route, ok := k.table.Routes[routeName]
	if !ok || route.Grouped {
		return routeName
	}
	return route.ToolName + "." + route.ActionKey
}

// Dispatch is the kernel's single entry point: route → resolve
// discriminator → validate → middleware chain → post-process →
// state-sync decoration.
func (k *Kernel) Dispatch(ctx context.Context, routeName string, rawArgs map[string]any, base any, sink ProgressSink) WireResponse {
	start := time.Now()
	k.observer.OnDispatchStart(ctx, routeName)
	ctx, endSpan := k.tracer.StartSpan(ctx, routeName)
	defer endSpan()

	resp, err := k.dispatch(ctx, routeName, rawArgs, base, sink)
	k.observer.OnDispatchEnd(ctx, routeName, resp, err, time.Since(start))
	return resp
}

func (k *Kernel) dispatch(ctx context.Context, routeName string, rawArgs map[string]any, base any, sink ProgressSink) (WireResponse, error) {
	route, ok := k.table.Routes[routeName]
	if !ok {
		return NewError("unknown_tool", fmt.Sprintf("unknown tool: %q", routeName)).
			Detail("available", strings.Join(k.table.RouteOrder, ", ")).Build(), nil
	}

	chain := route.Chain
	validator := route.Validator
	presenter := route.Presenter
	actionLabel := route.ToolName + "/" + route.ActionKey
	policyKey := route.ToolName + "." + route.ActionKey

	var discriminatorKey string
	if route.Grouped {
		key, errResp := resolveDiscriminator(route, rawArgs)
		if errResp != nil {
			return *errResp, nil
		}
		discriminatorKey = key
		var found bool
		chain, validator, _, presenter, _, found = route.ResolveAction(key)
		if !found {
			return NewError("unknown_action",
				fmt.Sprintf("unknown action %q, available: %s", key, strings.Join(route.ActionKeys(), ", "))).Build(), nil
		}
		actionLabel = route.ToolName + "/" + key
		policyKey = route.ToolName + "." + key
		delete(rawArgs, route.Discriminator)
	}

	opts := extractPresentOptions(rawArgs)

	validated, fieldErrs := validator.Validate(rawArgs)
	if len(fieldErrs) > 0 {
		return validationErrorResponse(actionLabel, fieldErrs), nil
	}
	if route.Grouped {
		validated[route.Discriminator] = discriminatorKey
	}

	ec := &ExecContext{Base: base}
	result, handlerErr := chain(ctx, ec, validated)
	if handlerErr != nil {
		resp := NewError("handler_error", fmt.Sprintf("[%s] %s", actionLabel, handlerErr.Error())).Build()
		return resp, handlerErr
	}

	if env, isGen := result.(*generatorEnvelope); isGen {
		result, handlerErr = drainGenerator(env, sink)
		if handlerErr != nil {
			resp := NewError("handler_error", fmt.Sprintf("[%s] %s", actionLabel, handlerErr.Error())).Build()
			return resp, handlerErr
		}
	}

	resp, err := postProcess(ctx, result, presenter, opts)
	if err != nil {
		if pverr, ok := err.(*PresenterValidationError); ok {
			return NewError("presenter_validation_failed", pverr.Error()).
				Severity(SeverityCritical).Build(), err
		}
		return NewError("postprocess_error", err.Error()).Severity(SeverityCritical).Build(), err
	}

	if k.stateSync != nil {
		resp = k.stateSync.DecorateResponse(policyKey, routeName, resp)
	}
	return resp, nil
}

// extractPresentOptions pulls the "_select" field-selection directive
// out of rawArgs and deletes it, since it is a presenter meta-parameter
// rather than a schema-declared field and would otherwise be silently
// dropped by Validator.Validate (§4.4 step 3).
func extractPresentOptions(rawArgs map[string]any) PresentOptions {
	raw, ok := rawArgs["_select"]
	if !ok {
		return PresentOptions{}
	}
	delete(rawArgs, "_select")

	items, ok := raw.([]any)
	if !ok {
		return PresentOptions{}
	}
	fields := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			fields = append(fields, s)
		}
	}
	return PresentOptions{Select: fields}
}

func resolveDiscriminator(route *CompiledAction, rawArgs map[string]any) (string, *WireResponse) {
	raw, ok := rawArgs[route.Discriminator]
	if !ok {
		resp := NewError("discriminator_required",
			fmt.Sprintf("%s is required, available: %s", route.Discriminator, strings.Join(route.ActionKeys(), ", "))).Build()
		return "", &resp
	}
	key, ok := raw.(string)
	if !ok {
		resp := NewError("discriminator_required",
			fmt.Sprintf("%s must be a string, available: %s", route.Discriminator, strings.Join(route.ActionKeys(), ", "))).Build()
		return "", &resp
	}
	return key, nil
}

func validationErrorResponse(actionLabel string, errs []FieldError) WireResponse {
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	var parts []string
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s %s: %s", actionLabel, e.Path, e.Message))
	}
	return NewError("validation_failed", strings.Join(parts, "; ")).
		Detail("field_count", fmt.Sprintf("%d", len(errs))).Build()
}

// postProcess implements the §4.3 step-5 priority ladder.
func postProcess(ctx context.Context, result any, presenter *Presenter, opts PresentOptions) (WireResponse, error) {
	if r, ok := result.(Result); ok {
		if !r.IsOk() {
			if r.Error() == nil {
				return NewError("handler_error", "failure result without error descriptor").Build(), nil
			}
			return BuildErrorResponse(r.Error()), nil
		}
		result = r.Value()
	}
	if resp, ok := result.(WireResponse); ok {
		return resp, nil
	}
	if b, ok := result.(Builder); ok {
		return b.Build(), nil
	}
	if presenter != nil {
		return presenter.PresentAny(ctx, result, opts)
	}
	return wrapRaw(result)
}

func wrapRaw(result any) (WireResponse, error) {
	if result == nil {
		return WireResponse{Content: []ContentBlock{TextBlock("")}}, nil
	}
	if s, ok := result.(string); ok {
		return WireResponse{Content: []ContentBlock{TextBlock(s)}}, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return WireResponse{}, fmt.Errorf("encoding handler result: %w", err)
	}
	return WireResponse{Content: []ContentBlock{TextBlock(string(b))}}, nil
}
