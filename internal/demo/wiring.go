package demo

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// Bundle is every demo tool/prompt/resource plus the state-sync
// policies they expect to be registered with, assembled in one place
// so cmd/kerneld doesn't need to know each piece's internal wiring.
type Bundle struct {
	Tools    []kernel.Tool
	Policies []kernel.Policy
	Prompts  []kernel.Prompt
}

// Build assembles the demo bundle. authMW/rateLimitMW are host-supplied
// global middleware (nil to skip); the Anthropic API key is read from
// the environment so the bundle degrades gracefully without one.
func Build(authMW, rateLimitMW kernel.Middleware) Bundle {
	store := NewNoteStore()
	seedNotes(store)

	rules := NewRuleExpr()
	notesTool := BuildNotesTool(store, authMW, rateLimitMW)
	assistantTool := BuildAssistantTool(os.Getenv("ANTHROPIC_API_KEY"), "claude-3-5-haiku-20241022")

	return Bundle{
		Tools:    []kernel.Tool{notesTool, assistantTool},
		Policies: NotesPolicies(),
		Prompts:  []kernel.Prompt{reviewPrompt(rules)},
	}
}

func seedNotes(store *NoteStore) {
	now := time.Now()
	store.Create(&Note{
		ID:        uuid.NewString(),
		Title:     "Welcome",
		Body:      "This is a seeded note; list it with notes(action=\"list\").",
		Owner:     "system",
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// reviewPrompt demonstrates a parameterised prompt template whose
// rendered guidance line is computed by an expr-lang rule against the
// caller's declared experience level.
func reviewPrompt(rules *RuleExpr) kernel.Prompt {
	guidance := rules.Rule(`level == "expert" ? "Be terse; skip basic explanations." : "Explain reasoning step by step."`)
	return kernel.Prompt{
		Name:        "code_review",
		Description: "Review a code change, tailoring verbosity to the requester's experience level.",
		Arguments: []kernel.PromptArgument{
			{Name: "diff", Description: "Unified diff to review.", Required: true},
			{Name: "level", Description: "Requester experience level: \"novice\" or \"expert\".", Required: false},
		},
		Render: func(args map[string]string) ([]kernel.PromptMessage, error) {
			diff, ok := args["diff"]
			if !ok || diff == "" {
				return nil, fmt.Errorf("diff argument is required")
			}
			level := args["level"]
			if level == "" {
				level = "novice"
			}
			ctx := WithFacts(context.Background(), map[string]any{"level": level})
			return []kernel.PromptMessage{
				{Role: "user", Text: fmt.Sprintf("%s\n\nReview this diff:\n\n%s", guidance.Dynamic(ctx), diff)},
			}, nil
		},
	}
}
