package demo

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/charmbracelet/glamour"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// summaryPresenter shapes the assistant's reply: raw markdown plus a
// terminal-rendered rendition, so a CLI client gets the pretty version
// and a programmatic client gets the source.
func summaryPresenter() *kernel.Presenter {
	schema := kernel.ParamSchema{
		"markdown": kernel.String("Raw markdown reply from the model."),
		"rendered": kernel.String("ANSI-rendered rendition of markdown, for terminal clients.").Opt(),
		"model":    kernel.String("Model that produced the reply."),
	}
	return kernel.NewPresenter("assistant_summary", schema)
}

// BuildAssistantTool exposes a single "summarize" action backed by the
// Anthropic Messages API, streamed as a generative handler so the
// caller sees progress while the network round-trip is in flight.
// apiKey == "" disables the tool's actual network call and returns a
// descriptive error instead, so the demo still registers cleanly
// without credentials configured.
func BuildAssistantTool(apiKey, model string) kernel.Tool {
	presenter := summaryPresenter()

	return kernel.Tool{
		Name:        "assistant",
		Description: "Summarize text with a language model and render the reply as markdown.",
		Exposition:  kernel.ExpositionFlat,
		Actions: []kernel.Action{
			{
				Key:         "summarize",
				Description: "Summarize the given text in three sentences or fewer.",
				Params: kernel.ParamSchema{
					"text": kernel.String("Text to summarize.").WithMinLen(1).WithMaxLen(20000),
				},
				Presenter:   presenter,
				Annotations: kernel.Annotations{ReadOnly: true},
				Handler: kernel.GenerativeHandler(func(ctx context.Context, _ *kernel.ExecContext, args map[string]any) <-chan kernel.StreamItem {
					out := make(chan kernel.StreamItem, 4)
					go func() {
						defer close(out)
						text, _ := args["text"].(string)

						pct := 0.1
						out <- kernel.StreamItem{Progress: &kernel.ProgressEvent{Stage: "preparing_request", Percent: &pct}}

						if apiKey == "" {
							out <- kernel.StreamItem{IsFinal: true, Err: fmt.Errorf("assistant tool has no ANTHROPIC_API_KEY configured")}
							return
						}

						client := anthropic.NewClient(option.WithAPIKey(apiKey))
						pct = 0.4
						out <- kernel.StreamItem{Progress: &kernel.ProgressEvent{Stage: "calling_model", Percent: &pct}}

						resp, err := client.Beta.Messages.New(ctx, anthropic.BetaMessageNewParams{
							Model:     model,
							MaxTokens: 512,
							Messages: []anthropic.BetaMessageParam{
								{
									Role: anthropic.BetaMessageParamRole("user"),
									Content: []anthropic.BetaContentBlockParamUnion{
										anthropic.BetaContentBlockParamOfRequestTextBlock("Summarize in three sentences or fewer:\n\n" + text),
									},
								},
							},
						})
						if err != nil {
							out <- kernel.StreamItem{IsFinal: true, Err: fmt.Errorf("anthropic request failed: %w", err)}
							return
						}

						var markdown string
						for _, blockUnion := range resp.Content {
							if block, ok := blockUnion.AsAny().(anthropic.BetaTextBlock); ok {
								markdown += block.Text
							}
						}

						pct = 0.8
						out <- kernel.StreamItem{Progress: &kernel.ProgressEvent{Stage: "rendering_markdown", Percent: &pct}}

						rendered := markdown
						if r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100)); err == nil {
							if out2, err := r.Render(markdown); err == nil {
								rendered = out2
							}
						}

						out <- kernel.StreamItem{IsFinal: true, Final: map[string]any{
							"markdown": markdown,
							"rendered": rendered,
							"model":    model,
						}}
					}()
					return out
				}),
			},
		},
	}
}
