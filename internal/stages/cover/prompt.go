package cover

import (
	"bytes"
	_ "embed"
	"strings"
	"text/template"

	"github.com/chrofis/magicalstory/internal/story"
	"github.com/chrofis/magicalstory/internal/types"
)

//go:embed prompt.tmpl
var promptTmpl string

var promptTemplate = template.Must(template.New("cover").
	Funcs(template.FuncMap{"join": strings.Join}).
	Parse(promptTmpl))

// Prompt builds the image prompt for a cover.
func Prompt(st *story.Story, cv story.Cover) string {
	data := struct {
		Type        types.CoverType
		Title       string
		Description string
		Characters  []string
	}{Type: cv.Type, Title: st.Title, Description: cv.Description}
	for _, ch := range st.Characters {
		data.Characters = append(data.Characters, ch.Name)
	}
	var buf bytes.Buffer
	if err := promptTemplate.Execute(&buf, data); err != nil {
		return cv.Description
	}
	return strings.TrimSpace(buf.String())
}
