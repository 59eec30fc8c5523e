package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nanobanana/imagebot/internal/models"
	"github.com/nanobanana/imagebot/internal/pricing"
	"github.com/nanobanana/imagebot/internal/repository"
)

type Server struct {
	addr        string
	username    string
	password    string
	log         *slog.Logger
	users       *repository.UserRepository
	generations *repository.GenerationRepository
	bot         *tgbotapi.BotAPI
	router      *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, users *repository.UserRepository, generations *repository.GenerationRepository, bot *tgbotapi.BotAPI) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:        addr,
		username:    username,
		password:    password,
		log:         log,
		users:       users,
		generations: generations,
		bot:         bot,
		router:      r,
	}
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Route("/users", func(r chi.Router) {
			r.Get("/", s.handleListUsers)
			r.Post("/{id}/tariff", s.handleSetTariff)
			r.Post("/{id}/balance", s.handleAdjustBalance)
		})
		protected.Get("/generations/recent", s.handleRecentGenerations)
	})
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin panel listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.ListWithStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

type tariffRequest struct {
	Tariff string `json:"tariff"`
	Days   *int   `json:"days"`
}

func (s *Server) handleSetTariff(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req tariffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	tariff := models.Tariff(strings.ToLower(strings.TrimSpace(req.Tariff)))
	switch tariff {
	case models.TariffDemo, models.TariffBasic, models.TariffFull, models.TariffAdmin:
	default:
		http.Error(w, "unknown tariff", http.StatusBadRequest)
		return
	}

	var expiresAt *time.Time
	if req.Days != nil {
		if *req.Days <= 0 {
			http.Error(w, "days must be positive", http.StatusBadRequest)
			return
		}
		t := time.Now().AddDate(0, 0, *req.Days)
		expiresAt = &t
	}
	if err := s.users.SetTariff(r.Context(), id, tariff, expiresAt); err != nil {
		s.internalError(w, err)
		return
	}

	// A paid tariff comes with its monthly NC allowance.
	var balance int64
	if monthly := pricing.TariffRules(tariff).MonthlyNC; monthly > 0 {
		balance, err = s.users.Credit(r.Context(), id, monthly)
		if err != nil {
			s.internalError(w, err)
			return
		}
	} else {
		balance, err = s.users.Balance(r.Context(), id)
		if err != nil {
			s.internalError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tariff":  tariff,
		"balance": balance,
	})
}

type balanceRequest struct {
	Delta int64 `json:"delta"`
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Delta == 0 {
		http.Error(w, "delta required", http.StatusBadRequest)
		return
	}

	var balance int64
	if req.Delta > 0 {
		balance, err = s.users.Credit(r.Context(), id, req.Delta)
	} else {
		var ok bool
		balance, ok, err = s.users.Debit(r.Context(), id, -req.Delta)
		if err == nil && !ok {
			http.Error(w, "insufficient balance", http.StatusConflict)
			return
		}
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"balance": balance})
}

func (s *Server) handleRecentGenerations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	gens, err := s.generations.Recent(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, gens)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ids, err := s.users.ListIDs(r.Context())
	if err != nil {
		s.log.Error("list user ids", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	count := 0
	for _, id := range ids {
		msg := tgbotapi.NewMessage(id, req.Message)
		if _, err := s.bot.Send(msg); err != nil {
			s.log.Error("send broadcast", "user", id, "err", err)
			continue
		}
		count++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  count,
		"total": len(ids),
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="imagebot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
