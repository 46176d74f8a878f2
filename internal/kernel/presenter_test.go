package kernel

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personSchema() ParamSchema {
	return ParamSchema{
		"id":   String("identifier"),
		"name": String("display name"),
		"ssn":  String("sensitive").Opt(),
	}
}

func TestPresenter_RedactsDeclaredPaths(t *testing.T) {
	p := NewPresenter("person", personSchema()).WithRedact("ssn")

	resp, err := p.Present(context.Background(), map[string]any{
		"id": "1", "name": "Ada", "ssn": "123-45-6789",
	}, PresentOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Content)
	assert.Contains(t, resp.Content[0].Text, RedactionMarker)
	assert.NotContains(t, resp.Content[0].Text, "123-45-6789")
}

func TestPresenter_RedactMissingPathIsNoop(t *testing.T) {
	p := NewPresenter("person", personSchema()).WithRedact("ssn")

	resp, err := p.Present(context.Background(), map[string]any{
		"id": "1", "name": "Ada",
	}, PresentOptions{})
	require.NoError(t, err)
	assert.NotContains(t, resp.Content[0].Text, RedactionMarker)
}

func TestPresenter_DropsUndeclaredFields(t *testing.T) {
	p := NewPresenter("person", personSchema())

	resp, err := p.Present(context.Background(), map[string]any{
		"id": "1", "name": "Ada", "internal_secret": "shh",
	}, PresentOptions{})
	require.NoError(t, err)
	assert.NotContains(t, resp.Content[0].Text, "shh")
}

func TestPresenter_ValidationFailureSurfacesFieldErrors(t *testing.T) {
	p := NewPresenter("person", personSchema())

	_, err := p.Present(context.Background(), map[string]any{"name": "Ada"}, PresentOptions{})
	require.Error(t, err)
	var pverr *PresenterValidationError
	require.ErrorAs(t, err, &pverr)
	require.NotEmpty(t, pverr.Fields)
	assert.Equal(t, "id", pverr.Fields[0].Path)
}

func TestPresenter_AgentLimitTruncatesCollection(t *testing.T) {
	p := NewPresenter("person", personSchema()).WithAgentLimit(2, nil)

	data := []any{
		map[string]any{"id": "1", "name": "a"},
		map[string]any{"id": "2", "name": "b"},
		map[string]any{"id": "3", "name": "c"},
	}
	resp, err := p.PresentMany(context.Background(), data, PresentOptions{})
	require.NoError(t, err)

	var sawTruncationNotice bool
	for _, b := range resp.Content {
		if strings.Contains(b.Text, "items hidden") {
			sawTruncationNotice = true
		}
	}
	assert.True(t, sawTruncationNotice)
}

func TestPresenter_SelectNarrowsFields(t *testing.T) {
	p := NewPresenter("person", personSchema())

	resp, err := p.Present(context.Background(), map[string]any{
		"id": "1", "name": "Ada",
	}, PresentOptions{Select: []string{"id"}})
	require.NoError(t, err)
	assert.Contains(t, resp.Content[0].Text, `"id":"1"`)
	assert.NotContains(t, resp.Content[0].Text, "Ada")
}

func TestPresenter_AutoRulesSurfaceSchemaDescriptions(t *testing.T) {
	p := NewPresenter("person", personSchema()).WithAutoRules()

	resp, err := p.Present(context.Background(), map[string]any{
		"id": "1", "name": "Ada",
	}, PresentOptions{})
	require.NoError(t, err)

	last := resp.Content[len(resp.Content)-1]
	assert.Contains(t, last.Text, "[SYSTEM_RULES]")
	assert.Contains(t, last.Text, "identifier")
}

func TestPresenter_EmbedsChildRules(t *testing.T) {
	child := NewPresenter("address", ParamSchema{"city": String("city name")}).
		WithRules(StaticRule("addresses are always approximate"))
	parent := NewPresenter("person", personSchema()).WithEmbed("address", child)

	resp, err := parent.Present(context.Background(), map[string]any{
		"id": "1", "name": "Ada",
	}, PresentOptions{})
	require.NoError(t, err)

	last := resp.Content[len(resp.Content)-1]
	assert.Contains(t, last.Text, "addresses are always approximate")
}

func TestDottedToJQPath(t *testing.T) {
	cases := map[string]string{
		"ssn":         ".ssn",
		"items.0.ssn": ".items[0].ssn",
		"a.b.c":       ".a.b.c",
	}
	for in, want := range cases {
		assert.Equal(t, want, dottedToJQPath(in), in)
	}
}
