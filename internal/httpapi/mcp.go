package httpapi

import (
	"net/http"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/mcp"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

func (h *handlers) listMCPTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.MCP.ListTools())
}

func (h *handlers) callMCPTool(w http.ResponseWriter, r *http.Request) {
	var req mcp.ToolCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, badRequest(err))
		return
	}
	execCtx := mcp.ExecutionContext{Service: h.deps.Queue, UserID: userIDPtr(r.Context())}
	result, err := h.deps.MCP.CallTool(r.Context(), req.Tool, req.Arguments, execCtx)
	if err != nil {
		writeError(w, mapMCPError(err))
		return
	}
	writeJSON(w, http.StatusOK, mcp.ToolCallResponse{Result: result})
}

// mapMCPError reduces the registry's own error types (unregistered tool,
// schema validation failure) to the same queueerr taxonomy httpmap reduces,
// so this bridge endpoint surfaces the identical envelope shape as every
// other handler.
func mapMCPError(err error) error {
	switch err.(type) {
	case *mcp.ToolNotFoundError:
		return queueerr.NotFound("tool_not_found", "%v", err)
	case *mcp.ToolArgumentsValidationError:
		return validationError(err)
	default:
		return err
	}
}
