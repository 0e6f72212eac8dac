package evaluate

import "github.com/chrofis/magicalstory/internal/types"

// ScoreSchema is the JSON schema for page scoring output.
var ScoreSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"quality_score": map[string]any{
			"type":        "number",
			"minimum":     0,
			"maximum":     100,
			"description": "Technical and artistic quality, 0-100",
		},
		"semantic_score": map[string]any{
			"type":        "number",
			"minimum":     0,
			"maximum":     100,
			"description": "How well the image matches the scene description, 0-100",
		},
		"verdict": map[string]any{
			"type": "string",
			"enum": []string{"PASS", "SOFT_FAIL", "FAIL"},
		},
		"issues": map[string]any{
			"type":  "array",
			"items": IssueSchema,
		},
	},
	"required":             []string{"quality_score", "semantic_score", "verdict", "issues"},
	"additionalProperties": false,
}

// IssueSchema describes one reported issue.
var IssueSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"type":        map[string]any{"type": "string"},
		"severity":    map[string]any{"type": "string", "enum": []string{"minor", "major", "critical"}},
		"description": map[string]any{"type": "string"},
		"character":   map[string]any{"type": "string"},
		"region": map[string]any{
			"type": []string{"object", "null"},
			"properties": map[string]any{
				"x":      map[string]any{"type": "number"},
				"y":      map[string]any{"type": "number"},
				"width":  map[string]any{"type": "number"},
				"height": map[string]any{"type": "number"},
			},
			"required":             []string{"x", "y", "width", "height"},
			"additionalProperties": false,
		},
	},
	"required":             []string{"type", "severity", "description", "character", "region"},
	"additionalProperties": false,
}

// Result is the parsed scoring output.
type Result struct {
	QualityScore  float64       `json:"quality_score"`
	SemanticScore float64       `json:"semantic_score"`
	Verdict       string        `json:"verdict"`
	Issues        []IssueResult `json:"issues"`
}

// IssueResult is one issue as the model reports it.
type IssueResult struct {
	Type        string        `json:"type"`
	Severity    string        `json:"severity"`
	Description string        `json:"description"`
	Character   string        `json:"character"`
	Region      *types.Region `json:"region"`
}

// ToIssues converts model issues to domain issues, dropping invalid regions.
func ToIssues(in []IssueResult) []types.Issue {
	out := make([]types.Issue, 0, len(in))
	for _, r := range in {
		issue := types.Issue{
			Type:        r.Type,
			Severity:    types.ParseSeverity(r.Severity),
			Description: r.Description,
			Character:   r.Character,
		}
		if r.Region != nil && r.Region.Valid() {
			region := *r.Region
			issue.Region = &region
		}
		out = append(out, issue)
	}
	return out
}
