package personalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func renderData() Data {
	return Data{
		"subscriber": map[string]interface{}{
			"name":    "Ada",
			"email":   "ada@example.com",
			"company": "",
			"plan":    map[string]interface{}{"tier": "pro"},
			"score":   float64(42),
		},
		"custom": map[string]interface{}{
			"discount": 15.5,
		},
	}
}

func TestRenderTokens(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain token", "Hi {{subscriber.name}}", "Hi Ada"},
		{"nested path", "Tier: {{subscriber.plan.tier}}", "Tier: pro"},
		{"fallback used when unset", "Hi {{subscriber.nickname|Friend}}", "Hi Friend"},
		{"fallback ignored when set", "Hi {{subscriber.name|Friend}}", "Hi Ada"},
		{"fallback used for empty string", "At {{subscriber.company|Acme}}", "At Acme"},
		{"unknown token stays literal", "Hi {{subscriber.nickname}}", "Hi {{subscriber.nickname}}"},
		{"integer float renders clean", "Score {{subscriber.score}}", "Score 42"},
		{"fractional float keeps decimals", "Save {{custom.discount}}%", "Save 15.5%"},
		{"whitespace inside braces", "Hi {{ subscriber.name }}", "Hi Ada"},
		{"multiple tokens", "{{subscriber.name}} <{{subscriber.email}}>", "Ada <ada@example.com>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Render(tt.template, renderData()))
		})
	}
}

func TestRenderIfBlocks(t *testing.T) {
	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"truthy keeps block", "{{#if subscriber.name}}Hello {{subscriber.name}}{{/if}}", "Hello Ada"},
		{"empty string drops block", "{{#if subscriber.company}}Co: {{subscriber.company}}{{/if}}", ""},
		{"absent path drops block", "{{#if subscriber.vip}}VIP{{/if}}", ""},
		{"surrounding text survives", "a{{#if subscriber.vip}}X{{/if}}b", "ab"},
		{"multiline block", "{{#if subscriber.name}}line1\nline2{{/if}}", "line1\nline2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Render(tt.template, renderData()))
		})
	}
}

func TestRenderSpecExamples(t *testing.T) {
	unset := Data{"subscriber": map[string]interface{}{}}
	require.Equal(t, "Hi Friend", Render("Hi {{subscriber.name|Friend}}", unset))

	set := Data{"subscriber": map[string]interface{}{"name": "Ada"}}
	require.Equal(t, "Hi Ada", Render("Hi {{subscriber.name|Friend}}", set))
}

func TestBuildToday(t *testing.T) {
	now := time.Date(2026, 7, 4, 15, 30, 0, 0, time.UTC)
	today := BuildToday(now)

	require.Equal(t, "July 4, 2026", today["date"])
	require.Equal(t, "July 4, 2026 15:30", today["datetime"])
	require.Equal(t, 2026, today["year"])
	require.Equal(t, "July", today["month"])
	require.Equal(t, 4, today["day"])
}

func TestRenderTodayTokens(t *testing.T) {
	data := Data{"today": BuildToday(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC))}
	require.Equal(t, "January 15, 2026", Render("{{today.date}}", data))
	require.Equal(t, "2026", Render("{{today.year}}", data))
}
