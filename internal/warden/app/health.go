package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chatwarden/chatwarden/common/version"
)

// statusPayload is the GET /status response body. It is read-only and never
// carries credentials.
type statusPayload struct {
	Version  string `json:"version"`
	Groups   int    `json:"groups"`
	Rooms    int    `json:"rooms"`
	Members  int    `json:"members"`
	SHA      string `json:"sha256"`
	Locked   bool   `json:"locked"`
	LockNote string `json:"lock_reason,omitempty"`
	Degraded string `json:"bot_degraded,omitempty"`
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /status", a.handleStatus)
	return mux
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Info(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, sha, err := a.store.Read()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	info, err := a.store.ReadLock()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, statusPayload{
		Version:  version.Info(),
		Groups:   len(doc.Groups),
		Rooms:    len(doc.Rooms),
		Members:  len(doc.Members),
		SHA:      sha,
		Locked:   info.Locked,
		LockNote: info.Reason,
		Degraded: a.bot.Degraded(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
