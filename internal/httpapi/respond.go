package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/httpmap"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// errorEnvelope is the {detail:{code,message}} shape every error response
// uses, shared verbatim between this transport and the MCP dispatcher's
// mapping of the same queueerr taxonomy.
type errorEnvelope struct {
	Detail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, code, message := httpmap.Map(err)
	var env errorEnvelope
	env.Detail.Code = code
	env.Detail.Message = message
	writeJSON(w, status, env)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// wrapDecodeError reduces a JSON decode failure to a validation error so
// malformed request bodies map to 422 rather than 500.
func wrapDecodeError(err error) error {
	return queueerr.Validation("request body is invalid: %v", err)
}

func validationError(err error) error {
	return queueerr.Validation("%v", err)
}
