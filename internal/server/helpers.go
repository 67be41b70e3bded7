package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxBodyBytes bounds API bodies; editor state carries the whole document.
const maxBodyBytes = 4 << 20

var (
	errBodyRequired  = errors.New("request body is required")
	errTrailingInput = errors.New("request body must contain a single JSON object")
)

// respondJSON sends a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.Any("err", err))
	}
}

func errorResponse(message string) map[string]string {
	return map[string]string{"error": message}
}

// decodeJSON strictly decodes exactly one JSON object from the request body.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errBodyRequired
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errBodyRequired
		}
		return err
	}
	if err := dec.Decode(new(json.RawMessage)); !errors.Is(err, io.EOF) {
		return errTrailingInput
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for surface signals, which may have no body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil && !errors.Is(err, errBodyRequired) {
		return err
	}
	return nil
}

// encodeJSON renders one event stream data line.
func encodeJSON(data any) ([]byte, error) {
	return json.Marshal(data)
}
