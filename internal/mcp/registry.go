// Package mcp implements the queue MCP tool registry and dispatcher:
// schema-validated tool discovery and invocation over the same Service
// the REST surface uses, so both transports enforce identical policy.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queue"
)

// ExecutionContext carries the dependencies available to a tool handler:
// the Service to dispatch against, and the authenticated caller's user id
// (nil for worker-token-authenticated calls).
type ExecutionContext struct {
	Service *queue.Service
	UserID  *string
}

// ToolMetadata is one registered tool's discovery payload.
type ToolMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolListResponse is the discovery endpoint's envelope.
type ToolListResponse struct {
	Tools []ToolMetadata `json:"tools"`
}

// ToolCallRequest is the HTTP/transport envelope for invoking a tool.
type ToolCallRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResponse wraps a tool's result for the transport envelope.
type ToolCallResponse struct {
	Result any `json:"result"`
}

// ToolNotFoundError is returned when the requested tool id is unregistered.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q is not registered", e.Tool)
}

// ToolArgumentsValidationError is returned when arguments fail schema
// validation or cannot be unmarshaled into the tool's request shape.
type ToolArgumentsValidationError struct {
	Tool   string
	Detail string
}

func (e *ToolArgumentsValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %s", e.Tool, e.Detail)
}

type toolHandler func(ctx context.Context, raw json.RawMessage, execCtx ExecutionContext) (any, error)

type toolDefinition struct {
	name        string
	description string
	rawSchema   json.RawMessage
	schema      *jsonschema.Schema
	handler     toolHandler
}

// Registry holds the queue tool set, each compiled once at construction.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*toolDefinition
}

// NewRegistry compiles and registers the full queue MCP tool surface:
// queue.enqueue, .claim, .heartbeat, .complete, .fail, .cancel, .get,
// .list, .upload_artifact.
func NewRegistry() (*Registry, error) {
	r := &Registry{tools: map[string]*toolDefinition{}}
	defs := []struct {
		name        string
		description string
		schema      string
		handler     toolHandler
	}{
		{"queue.enqueue", "Create a new queue job.", enqueueSchema, handleEnqueue},
		{"queue.claim", "Claim the next eligible queue job.", claimSchema, handleClaim},
		{"queue.heartbeat", "Renew lease for a running queue job.", heartbeatSchema, handleHeartbeat},
		{"queue.complete", "Mark a running queue job as succeeded.", completeSchema, handleComplete},
		{"queue.fail", "Mark a running queue job as failed.", failSchema, handleFail},
		{"queue.cancel", "Request cancellation of a queue job.", cancelSchema, handleCancel},
		{"queue.get", "Fetch queue job details by id.", getSchema, handleGet},
		{"queue.list", "List queue jobs with optional filters.", listSchema, handleList},
		{"queue.upload_artifact", "Upload a queue artifact from base64 content.", uploadArtifactSchema, handleUploadArtifact},
	}
	for _, d := range defs {
		compiled, err := compileSchema(d.name, d.schema)
		if err != nil {
			return nil, fmt.Errorf("mcp: compile schema for %s: %w", d.name, err)
		}
		r.tools[d.name] = &toolDefinition{
			name:        d.name,
			description: d.description,
			rawSchema:   json.RawMessage(d.schema),
			schema:      compiled,
			handler:     d.handler,
		}
	}
	return r, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schema)))
	if err != nil {
		return nil, err
	}
	url := "mem://mcp/" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// ListTools returns tool metadata sorted by name for a discovery response.
func (r *Registry) ListTools() ToolListResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolMetadata, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, ToolMetadata{Name: def.name, Description: def.description, InputSchema: def.rawSchema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return ToolListResponse{Tools: out}
}

// CallTool validates arguments against the tool's schema and dispatches to
// its handler.
func (r *Registry) CallTool(ctx context.Context, tool string, arguments json.RawMessage, execCtx ExecutionContext) (any, error) {
	r.mu.RLock()
	def, ok := r.tools[tool]
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolNotFoundError{Tool: tool}
	}

	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(arguments))
	if err != nil {
		return nil, &ToolArgumentsValidationError{Tool: tool, Detail: err.Error()}
	}
	if err := def.schema.Validate(instance); err != nil {
		return nil, &ToolArgumentsValidationError{Tool: tool, Detail: err.Error()}
	}

	return def.handler(ctx, arguments, execCtx)
}
