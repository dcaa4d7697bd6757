package api

import (
	"encoding/json"
	"net/http"
)

// Error codes of the wire taxonomy.
const (
	CodeUnsupportedWiki  = "unsupportedwiki"
	CodeRevisionsMissing = "revisions-missing"
	CodeBadInteger       = "badinteger"
	CodeMethodLimited    = "method-limited"
	CodeInvalidFilter    = "invalidfilter"
	CodeTaskMissing      = "task-missing"
	CodeTaskUnfinished   = "task-unfinished"
	CodeTaskUncaught     = "task-uncaught-generic"
	CodeExpanderTimeout  = "expander-timeout"
	CodeGenericError     = "generic-error"
)

const docRef = "See https://meta.wikimedia.org/wiki/Dispatch for API usage."

// apiError is one entry of the error envelope.
type apiError struct {
	Code   string   `json:"code"`
	Text   string   `json:"text,omitempty"`
	Key    string   `json:"key,omitempty"`
	Params []string `json:"params,omitempty"`
	Module string   `json:"module"`
}

type errorEnvelope struct {
	Errors []apiError `json:"errors"`
	DocRef string     `json:"docref"`
}

// bcError is the flattened back-compat error shape.
type bcError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// writeError renders one error in the shape selected by the errorformat
// query parameter: text, wikitext, and plaintext share the envelope with
// a text field, raw swaps text for key+params, and bc flattens.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, text, module string) {
	format := r.URL.Query().Get("errorformat")

	var payload any
	switch format {
	case "bc":
		payload = bcError{Code: code, Info: text}
	case "raw":
		payload = errorEnvelope{
			Errors: []apiError{{Code: code, Key: code, Params: []string{}, Module: module}},
			DocRef: docRef,
		}
	default:
		payload = errorEnvelope{
			Errors: []apiError{{Code: code, Text: text, Module: module}},
			DocRef: docRef,
		}
	}

	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
