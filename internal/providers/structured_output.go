package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxStructuredRepairAttempts bounds the repair turns sent after an
// unparseable or schema-violating answer.
const maxStructuredRepairAttempts = 2

// maxEchoedOutput caps how much of a rejected answer is quoted back.
const maxEchoedOutput = 12000

// ChatStructured sends req, parses the answer as JSON, validates it against
// req.ResponseFormat and decodes it into out. Invalid answers are sent back
// with the validation error for up to maxStructuredRepairAttempts more turns.
// The returned result accumulates tokens and cost across all turns.
func ChatStructured(ctx context.Context, client LLMClient, req *ChatRequest, out any) (*ChatResult, error) {
	if req.ResponseFormat == nil {
		return nil, fmt.Errorf("structured chat requires a response format")
	}
	schemaDoc := unwrapSchema(req.ResponseFormat.JSONSchema)
	schema, err := compileSchema(schemaDoc)
	if err != nil {
		return nil, err
	}

	turn := *req
	turn.Messages = append([]Message(nil), req.Messages...)

	total := &ChatResult{}
	var lastErr error
	for attempt := 0; attempt <= maxStructuredRepairAttempts; attempt++ {
		result, err := client.Chat(ctx, &turn)
		if result != nil {
			accumulate(total, result)
		}
		if err != nil {
			return total, err
		}

		parsed, err := parseStructuredJSON(result.Content)
		if err == nil {
			err = validateAgainst(schema, parsed)
		}
		if err == nil {
			if err := json.Unmarshal(parsed, out); err != nil {
				return total, fmt.Errorf("failed to decode structured output: %w", err)
			}
			total.ParsedJSON = parsed
			total.Success = true
			total.ErrorType, total.ErrorMessage = "", ""
			return total, nil
		}

		lastErr = err
		total.Success = false
		total.ErrorType = "structured_output"
		total.ErrorMessage = err.Error()
		turn.Messages = append(turn.Messages,
			Message{Role: "assistant", Content: result.Content},
			Message{Role: "user", Content: structuredRepairPrompt(schemaDoc, result.Content, err)},
		)
	}
	return total, fmt.Errorf("structured output invalid after %d attempts: %w", maxStructuredRepairAttempts+1, lastErr)
}

func accumulate(total, r *ChatResult) {
	total.Content = r.Content
	total.PromptTokens += r.PromptTokens
	total.CompletionTokens += r.CompletionTokens
	total.ReasoningTokens += r.ReasoningTokens
	total.TotalTokens += r.TotalTokens
	total.CostUSD += r.CostUSD
	total.ExecutionTime += r.ExecutionTime
	total.TotalTime += r.TotalTime
	total.Provider = r.Provider
	total.ModelUsed = r.ModelUsed
	total.RequestID = r.RequestID
	total.Attempts += max(r.Attempts, 1)
	total.Success = r.Success
	total.ErrorType = r.ErrorType
	total.ErrorMessage = r.ErrorMessage
}

// parseStructuredJSON returns the first valid JSON document found in model
// output: the whole text, the body of a markdown fence, or the outermost
// object or array. The result is compacted.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}
	for _, candidate := range []string{content, fenceBody(content), outermostJSON(content)} {
		if candidate == "" || !json.Valid([]byte(candidate)) {
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(candidate)); err != nil {
			return nil, fmt.Errorf("failed to compact structured output: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("failed to parse structured JSON")
}

// fenceBody returns the text inside a leading ``` fence, or "".
func fenceBody(content string) string {
	rest, ok := strings.CutPrefix(content, "```")
	if !ok {
		return ""
	}
	_, body, ok := strings.Cut(rest, "\n")
	if !ok {
		return ""
	}
	body = strings.TrimSpace(body)
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}

// outermostJSON spans from the first { or [ to the last matching closer.
func outermostJSON(content string) string {
	start := strings.IndexAny(content, "{[")
	if start < 0 {
		return ""
	}
	closer := "}"
	if content[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(content, closer)
	if end < start {
		return ""
	}
	return content[start : end+1]
}

// unwrapSchema strips the response_format wrappers OpenAI-style APIs accept,
// {"name","strict","schema"} and {"type","json_schema":{"schema"}}, leaving
// the schema document itself. Anything else is returned as is.
func unwrapSchema(raw json.RawMessage) json.RawMessage {
	var wrapper struct {
		Schema     json.RawMessage `json:"schema"`
		JSONSchema struct {
			Schema json.RawMessage `json:"schema"`
		} `json:"json_schema"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &wrapper) != nil {
		return raw
	}
	switch {
	case len(wrapper.Schema) > 0:
		return wrapper.Schema
	case len(wrapper.JSONSchema.Schema) > 0:
		return wrapper.JSONSchema.Schema
	}
	return raw
}

// compileSchema compiles an unwrapped schema document. An empty document
// yields a nil schema, which accepts everything.
func compileSchema(doc json.RawMessage) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("invalid structured schema JSON")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to load structured schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile structured schema: %w", err)
	}
	return schema, nil
}

func validateAgainst(schema *jsonschema.Schema, parsed json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("failed to decode structured JSON for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}
	return nil
}

// validateStructuredJSON checks parsed against a possibly wrapped schema.
func validateStructuredJSON(schemaRaw, parsed json.RawMessage) error {
	schema, err := compileSchema(unwrapSchema(schemaRaw))
	if err != nil {
		return err
	}
	return validateAgainst(schema, parsed)
}

func structuredRepairPrompt(schema json.RawMessage, lastOutput string, issue error) string {
	lastOutput = strings.TrimSpace(lastOutput)
	if len(lastOutput) > maxEchoedOutput {
		lastOutput = lastOutput[:maxEchoedOutput] + "\n...[truncated]"
	}
	var b strings.Builder
	b.WriteString("Your previous answer was rejected: ")
	b.WriteString(issue.Error())
	b.WriteString("\n\nAnswer again with a single JSON document and nothing else")
	if len(schema) > 0 {
		b.WriteString(", matching this schema:\n")
		b.Write(schema)
	}
	b.WriteString("\n\nRejected answer:\n")
	b.WriteString(lastOutput)
	return b.String()
}
