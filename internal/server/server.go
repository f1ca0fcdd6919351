// Package server exposes the HTTP control surface: channel provisioning,
// publish and retract for integrations that do not speak the conversation
// protocol, and the batch-forward endpoint sibling nodes dispatch through.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"channelbot/internal/broadcast"
	"channelbot/internal/logx"
	"channelbot/internal/model"
	"channelbot/internal/store"
	"channelbot/internal/transport"
)

type Config struct {
	Addr       string
	AdminToken string
}

// Store is the slice of the persistence contract the control surface needs.
type Store interface {
	Channel(ctx context.Context, name string) (*model.Channel, error)
	InsertChannel(ctx context.Context, name, token, originID string) error
	DeleteChannel(ctx context.Context, name string) error
}

type Server struct {
	cfg    Config
	store  Store
	engine *broadcast.Engine
	sender transport.Transport
	log    logx.Logger

	srv *http.Server
}

func New(cfg Config, st Store, engine *broadcast.Engine, sender transport.Transport, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8150"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, store: st, engine: engine, sender: sender, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.health)
	r.Route("/channels/{name}", func(r chi.Router) {
		r.With(s.requireAdmin).Put("/", s.provision)
		r.With(s.requireAdmin).Delete("/", s.deprovision)
		r.With(s.requireChannelToken).Post("/broadcast", s.publish)
		r.With(s.requireChannelToken).Delete("/broadcast/{messageID}", s.retract)
	})
	r.With(s.requireAdmin).Put("/forward/batch", s.forwardBatch)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is done, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutCtx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type provisionRequest struct {
	Token  string `json:"token"`
	Origin string `json:"origin"`
}

func (s *Server) provision(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req provisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, "token is required", http.StatusBadRequest)
		return
	}
	if _, err := s.store.Channel(r.Context(), name); err == nil {
		// provisioning is idempotent; an existing channel keeps its token
		w.WriteHeader(http.StatusOK)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.InsertChannel(r.Context(), name, req.Token, req.Origin); err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("channel provisioned", logx.String("channel", name))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deprovision(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.store.DeleteChannel(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "no such channel", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("channel removed", logx.String("channel", name))
	w.WriteHeader(http.StatusNoContent)
}

type publishRequest struct {
	MessageID string        `json:"message_id,omitempty"`
	Content   model.Content `json:"content"`
}

type publishResponse struct {
	MessageID string `json:"message_id"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad request body", http.StatusBadRequest)
		return
	}
	if err := validateContent(req.Content); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	rep, err := s.engine.Publish(r.Context(), name, req.MessageID, req.Content)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "no such channel", http.StatusNotFound)
		return
	case errors.Is(err, broadcast.ErrNotActivated):
		writeError(w, "channel has no admin yet", http.StatusConflict)
		return
	case err != nil:
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, publishResponse{
		MessageID: req.MessageID,
		Attempted: rep.Attempted,
		Delivered: rep.Delivered,
		Failed:    rep.Failed,
	})
}

// validateContent rejects payloads a transport could never deliver before
// they are persisted and fanned out.
func validateContent(c model.Content) error {
	switch c.Kind {
	case model.KindText:
		if c.Text == "" {
			return errors.New("text content needs text")
		}
	case model.KindLink:
		if c.URL == "" {
			return errors.New("link content needs url")
		}
	case model.KindImage, model.KindAudio, model.KindVideo:
		if c.Asset == nil {
			return errors.New("media content needs an asset")
		}
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	return nil
}

func (s *Server) retract(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	messageID := chi.URLParam(r, "messageID")
	if err := s.engine.Retract(r.Context(), name, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "no such broadcast", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	Recipients []string      `json:"recipients"`
	Payload    model.Content `json:"payload"`
}

type batchResponse struct {
	Delivered int `json:"delivered"`
}

// forwardBatch repeats per-recipient dispatch locally for a batch handed over
// by a sibling node and reports the delivered count. Failures are isolated
// per recipient, same as a local fan-out.
func (s *Server) forwardBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "bad request body", http.StatusBadRequest)
		return
	}
	delivered := 0
	for _, botID := range req.Recipients {
		if s.deliver(r.Context(), botID, req.Payload) {
			delivered++
		}
	}
	writeJSON(w, batchResponse{Delivered: delivered})
}

func (s *Server) deliver(ctx context.Context, botID string, c model.Content) bool {
	var res transport.Result
	switch c.Kind {
	case model.KindText:
		res = s.sender.SendText(ctx, botID, c.Text)
	case model.KindLink:
		res = s.sender.SendLinkPreview(ctx, botID, c.URL, c.Title, c.Preview)
	case model.KindImage, model.KindAudio, model.KindVideo:
		res = s.sender.SendAsset(ctx, botID, c.Asset)
	default:
		return false
	}
	if res.Status != transport.Ok {
		s.log.Warn("batch delivery failed",
			logx.String("bot", botID), logx.String("detail", res.Detail))
		return false
	}
	return true
}

// requireAdmin gates management endpoints behind the configured service
// token. An empty configured token disables the endpoints entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeError(w, "management endpoints disabled", http.StatusForbidden)
			return
		}
		if !tokenEqual(bearerToken(r), s.cfg.AdminToken) {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireChannelToken authenticates publish and retract with the channel's
// own token.
func (s *Server) requireChannelToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		ch, err := s.store.Channel(r.Context(), name)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, "no such channel", http.StatusNotFound)
				return
			}
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !tokenEqual(bearerToken(r), ch.Token) {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func tokenEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
