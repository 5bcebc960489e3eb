package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"treehub/internal/auth"
	"treehub/internal/broadcast"
	"treehub/internal/journal"
	"treehub/internal/model"
	"treehub/internal/notify"
	"treehub/internal/store"
)

type identityKey struct{}

func identityFrom(ctx context.Context) model.Identity {
	identity, _ := ctx.Value(identityKey{}).(model.Identity)
	return identity
}

// Handler builds the public router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/ws", s.gateway).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)
	api.HandleFunc("/trees", s.handleCreateTree).Methods(http.MethodPost)
	api.HandleFunc("/trees/{id}", s.handleGetTree).Methods(http.MethodGet)
	api.HandleFunc("/trees/{id}/stats", s.handleTreeStats).Methods(http.MethodGet)
	api.HandleFunc("/trees/{id}/mutations", s.handleMutationsSince).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}", s.handleDeleteNotification).Methods(http.MethodDelete)
	api.HandleFunc("/users/{id}/follow", s.handleFollow).Methods(http.MethodPost)
	api.HandleFunc("/presence", s.handlePresence).Methods(http.MethodGet)

	r.Use(corsMiddleware)
	// preflight requests carry no credentials
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.Verify(r.Context(), auth.BearerToken(r))
		if err != nil {
			reason := auth.Reason(err)
			status := http.StatusUnauthorized
			if reason == "auth_timeout" || reason == "identity_unavailable" {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, reason, "authentication failed")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

type createTreeRequest struct {
	Name          string   `json:"name"`
	Public        bool     `json:"public"`
	Collaborators []string `json:"collaborators"`
}

func (s *Server) handleCreateTree(w http.ResponseWriter, r *http.Request) {
	var req createTreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(broadcast.CodeInvalid), "malformed request body")
		return
	}
	tree, err := s.broadcaster.CreateTree(r.Context(), identityFrom(r.Context()), req.Name, req.Public, req.Collaborators)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tree)
}

func (s *Server) handleGetTree(w http.ResponseWriter, r *http.Request) {
	treeID := mux.Vars(r)["id"]
	tree, nodes, err := s.broadcaster.Snapshot(r.Context(), treeID, identityFrom(r.Context()).ID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tree":  tree,
		"nodes": nodes,
	})
}

func (s *Server) handleTreeStats(w http.ResponseWriter, r *http.Request) {
	treeID := mux.Vars(r)["id"]
	tree, nodes, err := s.broadcaster.Snapshot(r.Context(), treeID, identityFrom(r.Context()).ID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	var likes, comments int
	roots := 0
	for _, n := range nodes {
		likes += len(n.Likes)
		comments += len(n.Comments)
		if n.ParentID == "" {
			roots++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"treeId":      tree.ID,
		"version":     tree.Version,
		"updatedAt":   tree.UpdatedAt,
		"nodes":       len(nodes),
		"roots":       roots,
		"edges":       len(tree.Edges),
		"likes":       likes,
		"comments":    comments,
		"subscribers": len(s.router.Subscribers(model.TreeChannel(tree.ID))),
	})
}

func (s *Server) handleMutationsSince(w http.ResponseWriter, r *http.Request) {
	treeID := mux.Vars(r)["id"]
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_disabled", "mutation journal is not enabled")
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, string(broadcast.CodeInvalid), "since must be a non-negative sequence number")
			return
		}
		since = parsed
	}

	userID := identityFrom(r.Context()).ID
	tree, err := s.broadcaster.ReadableTree(r.Context(), treeID, userID)
	switch broadcast.CodeOf(err) {
	case broadcast.CodeForbidden, broadcast.CodeNotFound:
		writeError(w, http.StatusForbidden, string(broadcast.CodeForbidden), "tree is not readable")
		return
	}
	if err != nil {
		s.writeOpError(w, err)
		return
	}

	entries, err := s.journal.Since(r.Context(), treeID, since)
	if err != nil {
		s.log.Error("read mutation journal", zap.String("tree_id", treeID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(broadcast.CodeInternal), "journal unavailable")
		return
	}
	// journaled frames are unredacted; shape each one for the reader
	visible := make([]journal.Entry, 0, len(entries))
	for _, e := range entries {
		frame, ok, err := broadcast.RedactFrame(e.Frame, tree, userID)
		if err != nil {
			s.log.Warn("skipping unreadable journal entry",
				zap.String("tree_id", treeID), zap.Int64("seq", e.Seq), zap.Error(err))
			continue
		}
		if ok {
			visible = append(visible, journal.Entry{Seq: e.Seq, Frame: frame})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"treeId":    treeID,
		"since":     since,
		"mutations": visible,
		"count":     len(visible),
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := identityFrom(r.Context()).ID
	q := r.URL.Query()
	page, err := positiveParam(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(broadcast.CodeInvalid), "page must be a positive integer")
		return
	}
	limit, err := positiveParam(q.Get("limit"), store.DefaultPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(broadcast.CodeInvalid), "limit must be a positive integer")
		return
	}
	window := store.Page{Offset: (page - 1) * limit, Limit: limit}.Normalize()

	list, err := s.notifier.List(r.Context(), userID, window)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	unread, err := s.notifier.UnreadCount(r.Context(), userID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	if list == nil {
		list = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
		"unread":        unread,
		"page":          page,
		"limit":         window.Limit,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.notifier.MarkRead(r.Context(), identityFrom(r.Context()).ID, mux.Vars(r)["id"]); err != nil {
		s.writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.notifier.Delete(r.Context(), identityFrom(r.Context()).ID, mux.Vars(r)["id"]); err != nil {
		s.writeOpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	followee := mux.Vars(r)["id"]
	if _, err := s.identities.Resolve(r.Context(), followee); err != nil {
		s.writeOpError(w, err)
		return
	}

	note, err := s.notifier.Follow(r.Context(), identityFrom(r.Context()).ID, followee)
	switch {
	case errors.Is(err, notify.ErrSelfFollow):
		writeError(w, http.StatusBadRequest, string(broadcast.CodeInvalid), err.Error())
	case err != nil:
		s.writeOpError(w, err)
	case note == nil:
		writeJSON(w, http.StatusOK, map[string]interface{}{"followed": false})
	default:
		writeJSON(w, http.StatusCreated, map[string]interface{}{"followed": true})
	}
}

// handlePresence prefers the shared mirror so every process answers alike,
// and falls back to this process's registry when the mirror is unreachable.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	online, source := s.presence.Online(), "local"
	if s.shared != nil {
		mirrored, err := s.shared.Online(r.Context())
		if err != nil {
			s.log.Warn("read presence mirror", zap.Error(err))
		} else {
			online, source = mirrored, "mirror"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"online":      online,
		"connections": s.presence.ConnectionCount(),
		"source":      source,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	services := make(map[string]bool, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		err := check(ctx)
		services[name] = err == nil
		if err != nil {
			healthy = false
			s.log.Warn("health check failed", zap.String("service", name), zap.Error(err))
		}
	}

	status := map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC(),
		"services":    services,
		"connections": s.gateway.ConnectionCount(),
	}
	code := http.StatusOK
	if !healthy {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) writeOpError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, string(broadcast.CodeNotFound), "not found")
		return
	}

	var opErr *broadcast.Error
	if !errors.As(err, &opErr) {
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(broadcast.CodeInternal), "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch opErr.Code {
	case broadcast.CodeForbidden:
		status = http.StatusForbidden
	case broadcast.CodeNotFound:
		status = http.StatusNotFound
	case broadcast.CodeInvalid:
		status = http.StatusBadRequest
	case broadcast.CodeConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]interface{}{
		"error":   string(opErr.Code),
		"message": opErr.Message,
		"current": opErr.Current,
	})
}

func positiveParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
