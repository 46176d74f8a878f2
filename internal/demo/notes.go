// Package demo wires a small, illustrative set of tools, prompts, and
// resources against the kernel — enough to exercise every pipeline
// stage (validation, middleware, guards, presenters, state-sync) end
// to end. None of it is part of the kernel itself; cmd/kerneld decides
// whether to register it.
package demo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelmcp/toolkernel/internal/guards"
	"github.com/kernelmcp/toolkernel/internal/kernel"
	"github.com/kernelmcp/toolkernel/internal/middleware"
)

// Note is the domain entity behind the grouped "notes" demo tool.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Owner     string    `json:"owner"`
	SSN       string    `json:"ssn,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NoteStore is an in-memory repository; a real host would back this
// with a database, but the kernel pipeline around it doesn't care.
type NoteStore struct {
	mu    sync.RWMutex
	byID  map[string]*Note
	order []string
}

func NewNoteStore() *NoteStore {
	return &NoteStore{byID: make(map[string]*Note)}
}

func (s *NoteStore) Create(n *Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[n.ID] = n
	s.order = append(s.order, n.ID)
}

func (s *NoteStore) Get(id string) (*Note, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byID[id]
	return n, ok
}

func (s *NoteStore) List() []*Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Note, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *NoteStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// notesPresenter declares the wire shape callers see: the SSN field is
// part of the schema (so it round-trips through validation) but is
// always redacted on the way out, and AutoRules surfaces each field's
// description as a standing [SYSTEM_RULES] reminder.
func notesPresenter() *kernel.Presenter {
	schema := kernel.ParamSchema{
		"id":         kernel.String("Note identifier."),
		"title":      kernel.String("Short note title."),
		"body":       kernel.String("Note body text."),
		"owner":      kernel.String("Owning subject."),
		"ssn":        kernel.String("Sensitive identifier; always redacted in responses.").Opt(),
		"created_at": kernel.String("Creation timestamp (RFC3339).").Opt(),
		"updated_at": kernel.String("Last update timestamp (RFC3339).").Opt(),
	}
	return kernel.NewPresenter("notes", schema).
		WithAutoRules().
		WithRedact("ssn").
		WithAgentLimit(25, nil).
		WithSuggestedActions(func(datum map[string]any) []kernel.SuggestedAction {
			return []kernel.SuggestedAction{{Tool: "notes/get", Reason: "Fetch the full body of a truncated note."}}
		})
}

// BuildNotesTool assembles the notes tool (grouped exposition: one
// route, an "action" discriminator) backed by store. authMW and
// rateLimitMW are pre-built middleware the host may pass in, or nil to
// skip that concern.
func BuildNotesTool(store *NoteStore, authMW, rateLimitMW kernel.Middleware) kernel.Tool {
	presenter := notesPresenter()

	deleteGuard := guards.NewGuardFunc("confirm_delete", func(_ context.Context, gctx *guards.GuardContext) guards.Result {
		if gctx.Force {
			return guards.Pass("confirm_delete")
		}
		return guards.Fail("confirm_delete", guards.SoftBlock,
			"deleting a note is irreversible", "retry with force=true to confirm")
	})
	runner := guards.NewRunner()
	guardMW := middleware.GuardMiddleware(runner, []guards.Guard{deleteGuard},
		func(_ context.Context, _ *kernel.ExecContext, args map[string]any) *guards.GuardContext {
			force, _ := args["force"].(bool)
			return &guards.GuardContext{Tool: "notes", Action: "delete", Force: force}
		})

	var globalMW []kernel.Middleware
	if authMW != nil {
		globalMW = append(globalMW, authMW)
	}
	if rateLimitMW != nil {
		globalMW = append(globalMW, rateLimitMW)
	}

	return kernel.Tool{
		Name:        "notes",
		Description: "Create, inspect, and manage short text notes.",
		Exposition:  kernel.ExpositionGrouped,
		Middleware:  globalMW,
		Actions: []kernel.Action{
			{
				Key:         "list",
				Description: "List all notes, oldest first.",
				Params:      kernel.ParamSchema{},
				Presenter:   presenter,
				Annotations: kernel.Annotations{ReadOnly: true},
				Handler: kernel.DirectHandler(func(_ context.Context, _ *kernel.ExecContext, _ map[string]any) (any, error) {
					return store.List(), nil
				}),
			},
			{
				Key:         "get",
				Description: "Fetch one note by id.",
				Params: kernel.ParamSchema{
					"id": kernel.String("Note id.").WithMinLen(1),
				},
				Presenter:   presenter,
				Annotations: kernel.Annotations{ReadOnly: true},
				Handler: kernel.DirectHandler(func(_ context.Context, _ *kernel.ExecContext, args map[string]any) (any, error) {
					id, _ := args["id"].(string)
					n, ok := store.Get(id)
					if !ok {
						return nil, fmt.Errorf("note %q not found", id)
					}
					return n, nil
				}),
			},
			{
				Key:         "create",
				Description: "Create a new note.",
				Params: kernel.ParamSchema{
					"title": kernel.String("Short title.").WithMinLen(1).WithMaxLen(120),
					"body":  kernel.String("Body text.").WithMaxLen(8000),
					"owner": kernel.String("Owning subject id."),
					"ssn":   kernel.String("Optional sensitive identifier.").Opt(),
				},
				Presenter: presenter,
				Handler: kernel.DirectHandler(func(_ context.Context, _ *kernel.ExecContext, args map[string]any) (any, error) {
					now := time.Now()
					n := &Note{
						ID:        uuid.NewString(),
						Title:     args["title"].(string),
						Body:      args["body"].(string),
						Owner:     args["owner"].(string),
						CreatedAt: now,
						UpdatedAt: now,
					}
					if ssn, ok := args["ssn"].(string); ok {
						n.SSN = ssn
					}
					store.Create(n)
					return n, nil
				}),
			},
			{
				Key:         "update",
				Description: "Update an existing note's title and/or body.",
				Params: kernel.ParamSchema{
					"id":    kernel.String("Note id.").WithMinLen(1),
					"title": kernel.String("New title.").WithMinLen(1).WithMaxLen(120).Opt(),
					"body":  kernel.String("New body.").WithMaxLen(8000).Opt(),
				},
				Presenter: presenter,
				Handler: kernel.DirectHandler(func(_ context.Context, _ *kernel.ExecContext, args map[string]any) (any, error) {
					id, _ := args["id"].(string)
					n, ok := store.Get(id)
					if !ok {
						return nil, fmt.Errorf("note %q not found", id)
					}
					if title, ok := args["title"].(string); ok {
						n.Title = title
					}
					if body, ok := args["body"].(string); ok {
						n.Body = body
					}
					n.UpdatedAt = time.Now()
					return n, nil
				}),
			},
			{
				Key:         "delete",
				Description: "Delete a note (irreversible; requires force=true).",
				Params: kernel.ParamSchema{
					"id":    kernel.String("Note id.").WithMinLen(1),
					"force": kernel.Boolean("Confirm irreversible deletion.").Opt(),
				},
				Middleware:  []kernel.Middleware{guardMW},
				Annotations: kernel.Annotations{Destructive: true},
				Handler: kernel.DirectHandler(func(_ context.Context, _ *kernel.ExecContext, args map[string]any) (any, error) {
					id, _ := args["id"].(string)
					if !store.Delete(id) {
						return nil, fmt.Errorf("note %q not found", id)
					}
					return kernel.TextResponse(fmt.Sprintf("note %q deleted", id)), nil
				}),
			},
		},
	}
}

// NotesPolicies declares the state-sync directives for the notes tool:
// list results are never cached (they change on every mutation), single
// notes are safe to treat as immutable snapshots, and every mutating
// action invalidates the list.
func NotesPolicies() []kernel.Policy {
	return []kernel.Policy{
		{Match: "notes.list", CacheControl: kernel.CacheNoStore},
		{Match: "notes.get", CacheControl: kernel.CacheImmutable},
		{Match: "notes.create", Invalidates: []string{"notes.list"}},
		{Match: "notes.update", Invalidates: []string{"notes.list", "notes.get"}},
		{Match: "notes.delete", Invalidates: []string{"notes.list", "notes.get"}},
	}
}
