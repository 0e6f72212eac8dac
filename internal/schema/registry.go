package schema

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed schemas/*.graphql
var schemaFS embed.FS

// Schema is one DefraDB collection definition.
type Schema struct {
	Name string // collection name, e.g. "Page"
	SDL  string
}

// collections lists every collection in the order Initialize applies
// them. Story documents link by story_id rather than relations, so the
// order only keeps logs stable.
var collections = []string{
	"Config",
	"Story",
	"Page",
	"Character",
	"Cover",
	"WorkflowRun",
	"Metric",
}

// All returns every schema with its SDL loaded from the embedded files.
func All() ([]Schema, error) {
	out := make([]Schema, 0, len(collections))
	for _, name := range collections {
		s, err := load(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Get returns a single schema by collection name.
func Get(name string) (*Schema, error) {
	for _, c := range collections {
		if c == name {
			s, err := load(c)
			if err != nil {
				return nil, err
			}
			return &s, nil
		}
	}
	return nil, fmt.Errorf("schema not found: %s", name)
}

func load(name string) (Schema, error) {
	sdl, err := schemaFS.ReadFile("schemas/" + strings.ToLower(name) + ".graphql")
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	return Schema{Name: name, SDL: string(sdl)}, nil
}
