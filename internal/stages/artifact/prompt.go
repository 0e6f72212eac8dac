package artifact

import (
	"bytes"
	_ "embed"
	"strings"
	"text/template"

	"github.com/chrofis/magicalstory/internal/types"
)

//go:embed prompt.tmpl
var promptTmpl string

var promptTemplate = template.Must(template.New("artifact").Parse(promptTmpl))

// Panel is one page in a repair grid.
type Panel struct {
	Index  int
	Page   int
	Issues []types.Issue
}

// Prompt builds the grid edit prompt.
func Prompt(cols, rows int, panels []Panel) string {
	var buf bytes.Buffer
	data := struct {
		Count, Cols, Rows int
		Panels            []Panel
	}{len(panels), cols, rows, panels}
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return "Remove rendering artifacts from every panel of this grid."
	}
	return strings.TrimSpace(buf.String())
}
