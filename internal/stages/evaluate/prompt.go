package evaluate

import (
	"bytes"
	_ "embed"
	"strings"
	"text/template"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptTmpl string

var userTemplate = template.Must(template.New("user").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(userPromptTmpl))

// SystemPrompt returns the system prompt for page scoring.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt builds the user prompt for scoring one page.
func UserPrompt(req Request) string {
	var buf bytes.Buffer
	if err := userTemplate.Execute(&buf, req); err != nil {
		return userPromptTmpl
	}
	return buf.String()
}
