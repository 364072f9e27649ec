package api

import (
	"encoding/json"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
)

const formatMsgPack = "msgpack"

// writeResponse encodes data as JSON, or MessagePack when the request carries
// format=msgpack.
func writeResponse(w http.ResponseWriter, r *http.Request, status int, data any) error {
	if r.URL.Query().Get("format") == formatMsgPack {
		w.Header().Set("Content-Type", "application/x-msgpack")
		w.WriteHeader(status)
		enc := msgpack.NewEncoder(w)
		enc.SetCustomStructTag("json")
		return enc.Encode(data)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) error {
	return writeResponse(w, r, status, ErrorResponse{Error: msg})
}
