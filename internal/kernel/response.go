// Package kernel implements the tool execution kernel: registry, schema
// validation, middleware compilation, the execution pipeline, the
// presenter egress firewall, and the state-sync cache policy layer.
//
// The kernel is transport-agnostic. A host binds it to JSON-RPC, HTTP, or
// any other wire protocol by calling Kernel.Dispatch with parsed
// arguments and translating the returned WireResponse.
package kernel

import "encoding/json"

// BlockType identifies the kind of content carried by a ContentBlock.
type BlockType string

const (
	BlockText BlockType = "text"
)

// ContentBlock is a single typed payload inside a WireResponse. At minimum
// every block carries Text; richer presentation (charts, diagrams, code)
// is still encoded as fenced text per the MCP content-block convention —
// Type stays "text" and the fence lives in Text itself.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: string(BlockText), Text: text}
}

// MarkdownBlock is textually identical to TextBlock — markdown is raw
// text per the content-block conventions — but documents callsite intent.
func MarkdownBlock(md string) ContentBlock {
	return TextBlock(md)
}

// FencedBlock wraps content in a fenced code block with the given
// language tag (e.g. "mermaid", "echarts", "go").
func FencedBlock(lang, body string) ContentBlock {
	return TextBlock("```" + lang + "\n" + body + "\n```")
}

// SystemRulesBlock composes a [SYSTEM_RULES] block from an ordered list
// of rule strings.
func SystemRulesBlock(rules []string) ContentBlock {
	if len(rules) == 0 {
		return TextBlock("[SYSTEM_RULES]\n")
	}
	s := "[SYSTEM_RULES]\n"
	for _, r := range rules {
		s += "- " + r + "\n"
	}
	return TextBlock(s)
}

// Severity classifies a structured error's gravity.
type Severity string

const (
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ErrorDescriptor is the structured detail accompanying a failed (or
// warned) wire response.
type ErrorDescriptor struct {
	Code       string            `json:"code"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Actions    []string          `json:"availableActions,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	RetryAfter int               `json:"retryAfter,omitempty"`
}

// WireResponse is the structured payload returned to the transport: an
// ordered list of content blocks plus error metadata.
type WireResponse struct {
	Content           []ContentBlock   `json:"content"`
	IsError           bool             `json:"isError,omitempty"`
	StructuredContent json.RawMessage  `json:"structuredContent,omitempty"`
	Error             *ErrorDescriptor `json:"-"`
}

// WithBlock returns a copy of r with block appended. Content decoration
// is copy-on-write — callers must never mutate r.Content in place.
func (r WireResponse) WithBlock(b ContentBlock) WireResponse {
	out := make([]ContentBlock, 0, len(r.Content)+1)
	out = append(out, r.Content...)
	out = append(out, b)
	r.Content = out
	return r
}

// WithLeadingBlock returns a copy of r with block prepended at index 0.
func (r WireResponse) WithLeadingBlock(b ContentBlock) WireResponse {
	out := make([]ContentBlock, 0, len(r.Content)+1)
	out = append(out, b)
	out = append(out, r.Content...)
	r.Content = out
	return r
}

// TextResponse wraps a single text block as a successful response.
func TextResponse(text string) WireResponse {
	return WireResponse{Content: []ContentBlock{TextBlock(text)}}
}

// JSONResponse JSON-encodes v as the primary content block.
func JSONResponse(v any) (WireResponse, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return WireResponse{}, err
	}
	return WireResponse{Content: []ContentBlock{TextBlock(string(b))}}, nil
}
