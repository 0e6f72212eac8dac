package charrepair

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed verify_system.tmpl
var verifySystemPrompt string

//go:embed edit.tmpl
var editPromptTmpl string

var editTemplate = template.Must(template.New("edit").Parse(editPromptTmpl))

// VerifySystemPrompt returns the system prompt for repair verification.
func VerifySystemPrompt() string {
	return verifySystemPrompt
}

// VerifyUserPrompt builds the user prompt for one verification.
func VerifyUserPrompt(req VerifyRequest) string {
	s := fmt.Sprintf("Character: %s", req.Character)
	if d := strings.TrimSpace(req.Description); d != "" {
		s += "\nDescription: " + d
	}
	return s
}

// EditPrompt builds the image-edit prompt for one job.
func EditPrompt(job Job) string {
	var buf bytes.Buffer
	if err := editTemplate.Execute(&buf, job); err != nil {
		return fmt.Sprintf("Make %s match the reference portrait.", job.Character.Name)
	}
	return strings.TrimSpace(buf.String())
}
