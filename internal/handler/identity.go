package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/identity-vault/internal/service"
)

// IdentityHandler exposes the identity store over JSON.
//
// Authenticated identity creation is deliberately absent here: it needs a
// user-facing consent step (a browser redirect dance), which belongs to the
// presentation layer driving flow.Authenticator directly. The HTTP surface
// covers browsing, selection, and deletion.
type IdentityHandler struct {
	identities *service.IdentityService
	browse     BrowseStarter
	logger     *slog.Logger
}

// BrowseStarter creates a provisional browse-only identity. Implemented by
// flow.Authenticator.
type BrowseStarter interface {
	AddUnauthenticatedIdentity(ctx context.Context, serverURL string) (string, error)
}

// NewIdentityHandler creates an IdentityHandler.
func NewIdentityHandler(identities *service.IdentityService, browse BrowseStarter, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{identities: identities, browse: browse, logger: logger}
}

// HandleBrowse creates an unauthenticated browse-only identity for a
// server.
//
// HTTP: POST /api/identities
// REQUEST BODY: {"url": "https://mastodon.example"}
func (h *IdentityHandler) HandleBrowse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: "a server url is required",
		})
		return
	}

	id, err := h.browse.AddUnauthenticatedIdentity(r.Context(), body.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleList returns all identities, most recently used first.
//
// HTTP: GET /api/identities
func (h *IdentityHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	identities, err := h.identities.List(r.Context())
	if err != nil {
		h.logger.Error("listing identities failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

// HandleRecent returns up to nine identities, optionally excluding one via
// the "excluding" query parameter.
//
// HTTP: GET /api/identities/recent?excluding={id}
func (h *IdentityHandler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	identities, err := h.identities.Recent(r.Context(), r.URL.Query().Get("excluding"))
	if err != nil {
		h.logger.Error("listing recent identities failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

// HandleGet returns one identity.
//
// HTTP: GET /api/identities/{id}
func (h *IdentityHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "validation_error", Message: "identity id is required",
		})
		return
	}

	identity, err := h.identities.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// HandleTouch marks an identity as the most recently used.
//
// HTTP: POST /api/identities/{id}/touch
func (h *IdentityHandler) HandleTouch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.identities.Touch(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete removes an identity, its cached profile, and its secrets.
//
// HTTP: DELETE /api/identities/{id}
func (h *IdentityHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.identities.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMostRecentlyUsed returns the id of the most recently used identity.
//
// HTTP: GET /api/identities/most-recent
// RESPONSE: {"id": "abc123"} or {"id": null}
func (h *IdentityHandler) HandleMostRecentlyUsed(w http.ResponseWriter, r *http.Request) {
	id, err := h.identities.MostRecentlyUsed(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*string{"id": id})
}

// HandleWatch streams the identity list as server-sent events: one "list"
// event with the current list immediately, then one per committed change.
//
// HTTP: GET /api/identities/watch
func (h *IdentityHandler) HandleWatch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "internal_error", Message: "streaming unsupported",
		})
		return
	}

	ch, err := h.identities.Watch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for identities := range ch {
		payload, err := json.Marshal(identities)
		if err != nil {
			h.logger.Error("encoding watch event failed", slog.String("error", err.Error()))
			return
		}
		fmt.Fprintf(w, "event: list\ndata: %s\n\n", payload)
		flusher.Flush()
	}
}
