package defra

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidID is returned by ValidateID.
var ErrInvalidID = errors.New("invalid id")

// idPattern matches DefraDB document IDs (bae-<uuid>) and the story,
// page and run identifiers this module interpolates into queries.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateID rejects identifiers that are unsafe to place in a GraphQL
// document or a file path.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > 500:
		return fmt.Errorf("%w: %d characters", ErrInvalidID, len(id))
	case !idPattern.MatchString(id):
		return fmt.Errorf("%w: %q contains unsafe characters", ErrInvalidID, id)
	}
	return nil
}

// QueryBuilder constructs a single-collection read. Filter values travel
// as GraphQL variables, never as document text.
type QueryBuilder struct {
	collection string
	filters    []filterDef
	fields     []string
	order      string
	limit      int
}

type filterDef struct {
	field string
	op    string
	value any
}

// NewQuery creates a new QueryBuilder for the given collection.
func NewQuery(collection string) *QueryBuilder {
	return &QueryBuilder{collection: collection, fields: []string{"_docID"}}
}

// Filter adds an equality filter.
func (q *QueryBuilder) Filter(field string, value any) *QueryBuilder {
	return q.where(field, "_eq", value)
}

// FilterGT adds a greater-than filter.
func (q *QueryBuilder) FilterGT(field string, value any) *QueryBuilder {
	return q.where(field, "_gt", value)
}

// FilterPrefix matches string fields starting with prefix.
func (q *QueryBuilder) FilterPrefix(field, prefix string) *QueryBuilder {
	return q.where(field, "_like", prefix+"%")
}

func (q *QueryBuilder) where(field, op string, value any) *QueryBuilder {
	q.filters = append(q.filters, filterDef{field: field, op: op, value: value})
	return q
}

// Fields sets the fields to return (replaces default of just _docID).
func (q *QueryBuilder) Fields(fields ...string) *QueryBuilder {
	q.fields = fields
	return q
}

// OrderBy sets the ordering. direction is ASC or DESC.
func (q *QueryBuilder) OrderBy(field, direction string) *QueryBuilder {
	q.order = fmt.Sprintf("{%s: %s}", field, direction)
	return q
}

// Limit sets the maximum number of results.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Build returns the query string and variables map.
func (q *QueryBuilder) Build() (string, map[string]any) {
	vars := make(map[string]any, len(q.filters))
	defs := make([]string, 0, len(q.filters))
	conds := make([]string, 0, len(q.filters))
	for i, f := range q.filters {
		name := "v" + strconv.Itoa(i)
		defs = append(defs, fmt.Sprintf("$%s: %s", name, inferGraphQLType(f.value)))
		conds = append(conds, fmt.Sprintf("%s: {%s: $%s}", f.field, f.op, name))
		vars[name] = f.value
	}

	var args []string
	if len(conds) > 0 {
		args = append(args, "filter: {"+strings.Join(conds, ", ")+"}")
	}
	if q.order != "" {
		args = append(args, "order: "+q.order)
	}
	if q.limit > 0 {
		args = append(args, "limit: "+strconv.Itoa(q.limit))
	}

	var b strings.Builder
	if len(defs) > 0 {
		fmt.Fprintf(&b, "query(%s) ", strings.Join(defs, ", "))
	}
	b.WriteString("{ ")
	b.WriteString(q.collection)
	if len(args) > 0 {
		fmt.Fprintf(&b, "(%s)", strings.Join(args, ", "))
	}
	fmt.Fprintf(&b, " { %s } }", strings.Join(q.fields, " "))
	return b.String(), vars
}

// Execute builds and executes the query on the given client.
func (q *QueryBuilder) Execute(ctx context.Context, client *Client) (*GQLResponse, error) {
	query, vars := q.Build()
	return client.Execute(ctx, query, vars)
}

// Docs executes the query and returns the matching documents, turning a
// GraphQL error into a Go error.
func (q *QueryBuilder) Docs(ctx context.Context, client *Client) ([]map[string]any, error) {
	resp, err := q.Execute(ctx, client)
	if err != nil {
		return nil, err
	}
	if msg := resp.Error(); msg != "" {
		return nil, fmt.Errorf("query %s: %s", q.collection, msg)
	}
	return resp.Docs(q.collection), nil
}

func inferGraphQLType(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return "Int"
	case float32, float64:
		return "Float"
	case bool:
		return "Boolean"
	case time.Time:
		return "DateTime"
	default:
		return "String"
	}
}
