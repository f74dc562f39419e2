package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/saitejad/mtpchat/internal/delivery"
	"github.com/saitejad/mtpchat/internal/services"
	"go.uber.org/zap"
)

// API exposes the request/response surface: registration, login, the DH
// handshake, history, contacts and deletes.
type API struct {
	auth     *services.AuthService
	exchange *services.KeyExchangeService
	messages *services.MessageService
	logger   *zap.Logger

	// allowEphemeral gates the no-handshake session endpoint.
	allowEphemeral bool
}

func NewAPI(
	auth *services.AuthService,
	exchange *services.KeyExchangeService,
	messages *services.MessageService,
	allowEphemeral bool,
	logger *zap.Logger,
) *API {
	return &API{
		auth:           auth,
		exchange:       exchange,
		messages:       messages,
		allowEphemeral: allowEphemeral,
		logger:         logger,
	}
}

// Router assembles the chi router, mounting the websocket endpoint
// alongside the REST routes. Everything past register/login requires a
// bearer token.
func (a *API) Router(ws http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Handle("/ws", ws)

	router.Route("/api", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Post("/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Post("/handshake", a.handleHandshake)
			r.Post("/sessions/ephemeral", a.handleEphemeralSession)
			r.Get("/messages/{userID}", a.handleHistory)
			r.Get("/messages/{userID}/pending", a.handlePending)
			r.Get("/contacts/{userID}", a.handleContacts)
			r.Post("/messages/delete", a.handleDeleteMessage)
			r.Post("/chats/{userID}/{withUserID}/delete", a.handleClearChat)
		})
	})

	return router
}

type contextKey string

const userIDKey contextKey = "user_id"

// requireAuth validates the bearer token and stashes the authenticated
// user id in the request context.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := a.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorizeUser rejects a request whose token was issued for somebody
// other than userID.
func authorizeUser(w http.ResponseWriter, r *http.Request, userID int64) bool {
	authed, ok := r.Context().Value(userIDKey).(int64)
	if !ok || authed != userID {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Phone    string `json:"phone"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := a.auth.Register(r.Context(), services.RegisterRequest{
		Username: req.Username,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
	})
	switch {
	case errors.Is(err, services.ErrUserExists):
		writeError(w, http.StatusBadRequest, "user already exists")
	case errors.Is(err, services.ErrMissingIdentity):
		writeError(w, http.StatusBadRequest, "missing required fields")
	case err != nil:
		a.internalError(w, "register", err)
	default:
		writeJSON(w, http.StatusCreated, map[string]any{
			"message": "user registered successfully",
			"user_id": user.ID,
		})
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LoginID  string `json:"login_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := a.auth.Login(r.Context(), req.LoginID, req.Password)
	switch {
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case err != nil:
		a.internalError(w, "login", err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"token":      resp.Token,
			"expires_at": resp.ExpiresAt,
			"user_id":    resp.UserID,
			"username":   resp.Username,
		})
	}
}

// handleHandshake implements the key exchange request/response: the client
// sends its public key, the server answers with its own. The auth key
// itself never crosses the wire.
func (a *API) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       int64  `json:"user_id"`
		ClientPublic string `json:"client_public"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !authorizeUser(w, r, req.UserID) {
		return
	}

	clientPublic, ok := new(big.Int).SetString(req.ClientPublic, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "client_public must be a decimal integer")
		return
	}

	serverPublic, session, err := a.exchange.Handshake(r.Context(), req.UserID, clientPublic)
	if err != nil {
		// Covers ErrInvalidKeyExchange too: the client key was rejected
		// and no session was stored.
		writeError(w, http.StatusBadRequest, "key exchange failed")
		a.logger.Warn("handshake rejected", zap.Int64("user_id", req.UserID), zap.Error(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server_public": serverPublic.String(),
		"auth_key_id":   session.AuthKeyID,
	})
}

func (a *API) handleEphemeralSession(w http.ResponseWriter, r *http.Request) {
	if !a.allowEphemeral {
		writeError(w, http.StatusForbidden, "ephemeral sessions are disabled")
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !authorizeUser(w, r, req.UserID) {
		return
	}

	session, err := a.exchange.ProvisionEphemeralSession(r.Context(), req.UserID)
	if err != nil {
		a.internalError(w, "ephemeral session", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"auth_key_id": session.AuthKeyID,
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	if !authorizeUser(w, r, userID) {
		return
	}

	views, err := a.messages.History(r.Context(), userID)
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case err != nil:
		a.internalError(w, "history", err)
	default:
		writeJSON(w, http.StatusOK, views)
	}
}

// handlePending previews queued envelopes without advancing their status;
// delivery still happens through the websocket flush.
func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	if !authorizeUser(w, r, userID) {
		return
	}

	views, err := a.messages.Pending(r.Context(), userID)
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case err != nil:
		a.internalError(w, "pending", err)
	default:
		writeJSON(w, http.StatusOK, views)
	}
}

func (a *API) handleContacts(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	if !authorizeUser(w, r, userID) {
		return
	}

	contacts, err := a.messages.Contacts(r.Context(), userID)
	if err != nil {
		a.internalError(w, "contacts", err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID    int64 `json:"message_id"`
		UserID       int64 `json:"user_id"`
		DeleteForAll bool  `json:"delete_for_all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !authorizeUser(w, r, req.UserID) {
		return
	}

	err := a.messages.Delete(r.Context(), req.MessageID, req.UserID, req.DeleteForAll)
	switch {
	case errors.Is(err, delivery.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case err != nil:
		a.internalError(w, "delete message", err)
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

func (a *API) handleClearChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	withUserID, ok := pathID(w, r, "withUserID")
	if !ok {
		return
	}
	if !authorizeUser(w, r, userID) {
		return
	}

	if err := a.messages.ClearConversation(r.Context(), userID, withUserID); err != nil {
		a.internalError(w, "clear chat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) internalError(w http.ResponseWriter, op string, err error) {
	a.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
