package kernel

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorBuilder fluently assembles an ErrorDescriptor and its wire
// rendering. Severity defaults to SeverityError; only SeverityWarning
// produces a non-fatal (isError=false) response.
type ErrorBuilder struct {
	desc ErrorDescriptor
}

// NewError starts a fluent error build with the given machine-readable
// code and human message.
func NewError(code, message string) *ErrorBuilder {
	return &ErrorBuilder{desc: ErrorDescriptor{
		Code:     code,
		Severity: SeverityError,
		Message:  message,
		Details:  map[string]string{},
	}}
}

func (b *ErrorBuilder) Severity(s Severity) *ErrorBuilder {
	b.desc.Severity = s
	return b
}

func (b *ErrorBuilder) Suggestion(hint string) *ErrorBuilder {
	b.desc.Suggestion = hint
	return b
}

func (b *ErrorBuilder) Actions(tools ...string) *ErrorBuilder {
	b.desc.Actions = append(b.desc.Actions, tools...)
	return b
}

func (b *ErrorBuilder) Detail(key, value string) *ErrorBuilder {
	if b.desc.Details == nil {
		b.desc.Details = map[string]string{}
	}
	b.desc.Details[key] = value
	return b
}

func (b *ErrorBuilder) RetryAfter(seconds int) *ErrorBuilder {
	b.desc.RetryAfter = seconds
	return b
}

// Descriptor returns the assembled ErrorDescriptor.
func (b *ErrorBuilder) Descriptor() *ErrorDescriptor {
	d := b.desc
	return &d
}

// Build renders the error as a WireResponse: a single text block
// carrying the XML-like <tool_error> envelope. isError is true unless
// severity is "warning".
func (b *ErrorBuilder) Build() WireResponse {
	return BuildErrorResponse(b.Descriptor())
}

// BuildErrorResponse renders a standalone ErrorDescriptor into a
// WireResponse, independent of the fluent builder.
func BuildErrorResponse(d *ErrorDescriptor) WireResponse {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<tool_error code=%q severity=%q>`, d.Code, string(d.Severity))
	sb.WriteString("<message>")
	sb.WriteString(d.Message)
	sb.WriteString("</message>")
	if d.Suggestion != "" {
		sb.WriteString("<recovery>")
		sb.WriteString(d.Suggestion)
		sb.WriteString("</recovery>")
	}
	if len(d.Actions) > 0 {
		sb.WriteString("<available_actions>")
		for _, a := range d.Actions {
			sb.WriteString("<action>")
			sb.WriteString(a)
			sb.WriteString("</action>")
		}
		sb.WriteString("</available_actions>")
	}
	if len(d.Details) > 0 {
		keys := make([]string, 0, len(d.Details))
		for k := range d.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, `<detail key=%q>%s</detail>`, k, d.Details[k])
		}
	}
	if d.RetryAfter > 0 {
		fmt.Fprintf(&sb, "<retry_after>%d seconds</retry_after>", d.RetryAfter)
	}
	sb.WriteString("</tool_error>")

	return WireResponse{
		Content: []ContentBlock{TextBlock(sb.String())},
		IsError: d.Severity != SeverityWarning,
		Error:   d,
	}
}

// DomainRulesBlock renders a [DOMAIN RULES] block, used by error
// recovery guidance to remind the LLM of standing constraints.
func DomainRulesBlock(rules []string) ContentBlock {
	s := "[DOMAIN RULES]\n"
	for _, r := range rules {
		s += "- " + r + "\n"
	}
	return TextBlock(s)
}
