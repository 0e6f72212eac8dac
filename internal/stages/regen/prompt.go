package regen

import (
	"bytes"
	_ "embed"
	"strings"
	"text/template"

	"github.com/chrofis/magicalstory/internal/types"
)

//go:embed prompt.tmpl
var promptTmpl string

var promptTemplate = template.Must(template.New("regen").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(promptTmpl))

type promptData struct {
	Mode       Mode
	Scene      string
	Characters []string
	Issues     []types.Issue
}

// Prompt builds the image prompt for regenerating a page.
func Prompt(mode Mode, scene string, characters []string, issues []types.Issue) string {
	var buf bytes.Buffer
	data := promptData{Mode: mode, Scene: scene, Characters: characters, Issues: issues}
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return scene
	}
	return strings.TrimSpace(buf.String())
}
