package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	lead := map[string]string{"name": "Aiko", "company": "Acme", "phone": ""}

	tests := []struct {
		name   string
		src    string
		custom map[string]string
		want   string
	}{
		{"plain text", "Hello there", nil, "Hello there"},
		{"simple var", "Hi {{name}}!", nil, "Hi Aiko!"},
		{"spaces around name", "Hi {{ name }}!", nil, "Hi Aiko!"},
		{"missing without default", "Hi {{nickname}}.", nil, "Hi ."},
		{"missing with default", "Hi {{nickname|friend}}.", nil, "Hi friend."},
		{"empty value uses default", "Call {{phone|us}}", nil, "Call us"},
		{"present value ignores default", "{{company|your team}}", nil, "Acme"},
		{"nested pipes kept in default", "{{missing|a|b}}", nil, "a|b"},
		{"empty default", "[{{missing|}}]", nil, "[]"},
		{"custom overrides lead", "{{name}}", map[string]string{"name": "Ken"}, "Ken"},
		{"custom only var", "{{coupon}}", map[string]string{"coupon": "SAVE10"}, "SAVE10"},
		{"unterminated", "Hi {{name", nil, "Hi {{name"},
		{"empty placeholder", "a {{}} b", nil, "a {{}} b"},
		{"stray open before placeholder", "{{ {{name}}", nil, "{{ Aiko"},
		{"adjacent placeholders", "{{name}}{{company}}", nil, "AikoAcme"},
		{"closing braces only", "}} {{name}} }}", nil, "}} Aiko }}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.src, lead, tt.custom))
		})
	}
}

func TestRenderHTMLTemplate_EscapesValues(t *testing.T) {
	lead := map[string]string{"name": `<a href="https://evil.example">Ada</a>`, "company": "Smith & Co"}

	got := RenderHTMLTemplate("<p>Hi {{name}} from {{company}}, {{theme|<b>welcome</b>}}</p>", lead, map[string]string{"step": "<1>"})
	assert.Equal(t, "<p>Hi &lt;a href=&#34;https://evil.example&#34;&gt;Ada&lt;/a&gt; from Smith &amp; Co, <b>welcome</b></p>", got)
	assert.Equal(t, "&lt;1&gt;", RenderHTMLTemplate("{{step}}", nil, map[string]string{"step": "<1>"}))
}

func TestTextTemplate_Variables(t *testing.T) {
	tpl := ParseTemplate("{{name}} at {{ company|x }} - {{name}} {{")
	assert.Equal(t, []string{"name", "company"}, tpl.Variables())
}

func TestTextTemplate_Reusable(t *testing.T) {
	tpl := ParseTemplate("Hi {{name|there}}")
	assert.Equal(t, "Hi A", tpl.Execute(map[string]string{"name": "A"}))
	assert.Equal(t, "Hi there", tpl.Execute(nil))
}
