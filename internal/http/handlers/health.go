package handlers

import (
	"encoding/json"
	"io"
	"net/http"
)

const maxRequestBody = 1 << 20

// Health answers the liveness probe.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}
