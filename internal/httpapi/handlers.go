package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agilecards/pocker-backend/internal/consensus"
	"github.com/agilecards/pocker-backend/internal/hub"
	"github.com/agilecards/pocker-backend/internal/room"
	"github.com/agilecards/pocker-backend/internal/store"
)

const (
	maxTitleLen       = 255
	maxDescriptionLen = 2000
)

type API struct {
	Hub   *hub.Hub
	Store store.Store
	Log   *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// username is established by the identity layer before requests reach this
// surface; the core trusts the mapping and only authorizes against it.
func requestUser(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Username"))
}

func (a *API) roomByCode(code string) *room.Room {
	reply := make(chan *room.Room, 1)
	a.Hub.Inbox() <- hub.GetRoom{Code: strings.ToUpper(code), Reply: reply}
	return <-reply
}

func roomView(rm *room.Room) room.View {
	reply := make(chan room.View, 1)
	rm.Inbox() <- room.GetState{Reply: reply}
	return <-reply
}

func (a *API) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	mode, ok := consensus.ParseMode(body.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}
	admin := requestUser(r)
	if admin == "" {
		writeError(w, http.StatusUnauthorized, "username required")
		return
	}

	reply := make(chan hub.Created, 1)
	a.Hub.Inbox() <- hub.CreateRoom{Mode: mode, Admin: admin, Reply: reply}
	created := <-reply

	if err := a.Store.CreateRoom(r.Context(), created.Code, string(mode)); err != nil {
		a.Log.Error("room record write failed", zap.String("room", created.Code), zap.Error(err))
		a.Hub.Inbox() <- hub.RemoveRoom{Code: created.Code}
		created.Room.Inbox() <- room.Shutdown{}
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"code": created.Code, "mode": string(mode)})
}

func (a *API) JoinRoom(w http.ResponseWriter, r *http.Request) {
	username := requestUser(r)
	if username == "" {
		writeError(w, http.StatusUnauthorized, "username required")
		return
	}
	rm := a.roomByCode(chi.URLParam(r, "code"))
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	reply := make(chan error, 1)
	rm.Inbox() <- room.Join{Username: username, Reply: reply}
	switch err := <-reply; {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
	case errors.Is(err, room.ErrBadPhase):
		writeError(w, http.StatusConflict, "game already started")
	default:
		writeError(w, http.StatusNotFound, "room not found")
	}
}

func (a *API) GetRoom(w http.ResponseWriter, r *http.Request) {
	rm := a.roomByCode(chi.URLParam(r, "code"))
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	v := roomView(rm)
	writeJSON(w, http.StatusOK, map[string]any{
		"code":    v.Code,
		"mode":    v.Mode,
		"phase":   v.Phase,
		"index":   v.Index,
		"total":   v.Total,
		"players": v.Players,
	})
}

type backlogItemPayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Order       int    `json:"order"`
}

// SetBacklog replaces the room backlog. Admin-only, lobby-only: once voting
// starts the backlog is frozen.
func (a *API) SetBacklog(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	rm := a.roomByCode(code)
	if rm == nil {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}

	v := roomView(rm)
	if !isAdmin(v, requestUser(r)) {
		writeError(w, http.StatusForbidden, "only the room admin can set the backlog")
		return
	}
	if v.Phase != room.PhaseLobby {
		writeError(w, http.StatusConflict, "backlog is frozen once voting starts")
		return
	}

	var payload []backlogItemPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of items")
		return
	}
	items, err := normalizeBacklog(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := a.Store.ReplaceBacklog(r.Context(), code, items); err != nil {
		a.Log.Error("backlog write failed", zap.String("room", code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save backlog")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "backlog_set", "count": len(items)})
}

func isAdmin(v room.View, username string) bool {
	for _, p := range v.Players {
		if p.Username == username && p.Role == string(room.RoleAdmin) {
			return true
		}
	}
	return false
}

func normalizeBacklog(payload []backlogItemPayload) ([]store.Item, error) {
	if len(payload) == 0 {
		return nil, errors.New("backlog must be a non-empty array")
	}
	items := make([]store.Item, len(payload))
	for i, it := range payload {
		title := strings.TrimSpace(it.Title)
		if title == "" {
			return nil, errors.New("every item needs a title")
		}
		if len(title) > maxTitleLen {
			title = title[:maxTitleLen]
		}
		desc := strings.TrimSpace(it.Description)
		if len(desc) > maxDescriptionLen {
			desc = desc[:maxDescriptionLen]
		}
		id := it.ID
		if id == "" {
			id = uuid.NewString()
		}
		order := it.Order
		if order == 0 {
			order = i + 1
		}
		items[i] = store.Item{ExternalID: id, Title: title, Description: desc, Order: order}
	}
	return items, nil
}

func (a *API) GetBacklog(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	items, err := a.Store.Backlog(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load backlog")
		return
	}
	out := make([]backlogItemView, len(items))
	for i, it := range items {
		out[i] = backlogItemView{
			ID:          it.ExternalID,
			Title:       it.Title,
			Description: it.Description,
			Order:       it.Order,
			Estimate:    it.Estimate,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type backlogItemView struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Order       int    `json:"order"`
	Estimate    string `json:"estimate,omitempty"`
}

// ExportResults returns the backlog with estimates as a flat list. It reads
// the store rather than the live session, so finished rooms stay exportable
// after the session is retired.
func (a *API) ExportResults(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	rec, err := a.Store.Room(r.Context(), code)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load room")
		return
	}
	items, err := a.Store.Backlog(r.Context(), code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load backlog")
		return
	}
	results := make([]backlogItemView, len(items))
	for i, it := range items {
		results[i] = backlogItemView{
			ID:          it.ExternalID,
			Title:       it.Title,
			Description: it.Description,
			Order:       it.Order,
			Estimate:    it.Estimate,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room":    rec.Code,
		"mode":    rec.Mode,
		"results": results,
	})
}

func (a *API) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
