package consistency

import (
	"bytes"
	_ "embed"
	"text/template"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptTmpl string

var userTemplate = template.Must(template.New("user").Parse(userPromptTmpl))

// SystemPrompt returns the system prompt for consistency analysis.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt builds the user prompt for one consistency group.
func UserPrompt(req Request) string {
	var buf bytes.Buffer
	if err := userTemplate.Execute(&buf, req); err != nil {
		return userPromptTmpl
	}
	return buf.String()
}
