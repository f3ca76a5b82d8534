package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/diag"
	"github.com/Martian-dev/mailsync-infra/internal/store"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

// Server exposes the sync engine over HTTP.
type Server struct {
	Store    *store.Store
	Service  *sync.Service
	State    *sync.StateMachine
	Doctor   *diag.Doctor
	Metrics  *diag.MetricsCache
	Verifier *auth.Verifier
	Log      *slog.Logger
}

type createAccountRequest struct {
	Provider     string `json:"provider" binding:"required"`
	GrantRef     string `json:"grantRef" binding:"required"`
	EmailAddress string `json:"emailAddress" binding:"required"`
}

type accountActionRequest struct {
	AccountID string `json:"accountId" binding:"required"`
}

type forceRestartRequest struct {
	AccountID  string `json:"accountId" binding:"required"`
	FullResync bool   `json:"fullResync"`
}

// Router builds the gin engine with all routes registered. When a
// verifier is configured every route requires a bearer token.
func (s *Server) Router() *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	if s.Verifier != nil {
		authorized.Use(s.authMiddleware())
	}

	authorized.POST("/accounts", s.createAccount)
	authorized.GET("/accounts", s.listAccounts)
	authorized.GET("/accounts/:id", s.getAccount)

	authorized.POST("/sync/start", s.startSync)
	authorized.POST("/sync/pause", s.pauseSync)
	authorized.POST("/sync/resume", s.resumeSync)
	authorized.POST("/sync/force-restart", s.forceRestart)
	authorized.POST("/sync/clear-error", s.clearError)

	authorized.GET("/sync/diagnostics/:id", s.diagnostics)
	authorized.GET("/sync/metrics/:id", s.metrics)

	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.Verifier.CallerFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user_id", caller.UserID)
		c.Next()
	}
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := &store.Account{
		ID:           uuid.NewString(),
		UserID:       c.GetString("user_id"),
		Provider:     req.Provider,
		GrantRef:     req.GrantRef,
		EmailAddress: req.EmailAddress,
	}
	if err := s.Store.CreateAccount(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, account)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.Store.ListAccounts(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func (s *Server) getAccount(c *gin.Context) {
	account, err := s.Store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func (s *Server) startSync(c *gin.Context) {
	var req accountActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.Service.StartSync(c.Request.Context(), req.AccountID)
	switch {
	case errors.Is(err, sync.ErrAlreadyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"accountId": req.AccountID, "status": store.StatusSyncing})
	}
}

func (s *Server) pauseSync(c *gin.Context) {
	s.stateAction(c, s.State.Pause)
}

func (s *Server) resumeSync(c *gin.Context) {
	s.stateAction(c, s.State.Resume)
}

func (s *Server) clearError(c *gin.Context) {
	s.stateAction(c, s.State.ClearError)
}

func (s *Server) forceRestart(c *gin.Context) {
	var req forceRestartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.Store.GetAccount(c.Request.Context(), req.AccountID); err != nil {
		s.renderStoreError(c, err)
		return
	}
	if err := s.State.ForceRestart(c.Request.Context(), req.AccountID, req.FullResync); err != nil {
		s.renderStoreError(c, err)
		return
	}

	err := s.Service.StartSync(c.Request.Context(), req.AccountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"accountId": req.AccountID, "fullResync": req.FullResync})
	}
}

func (s *Server) diagnostics(c *gin.Context) {
	report, err := s.Doctor.Diagnose(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) metrics(c *gin.Context) {
	m, err := s.Metrics.Metrics(c.Request.Context(), s.Store, c.Param("id"))
	if err != nil {
		s.renderStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) stateAction(c *gin.Context, action func(ctx context.Context, accountID string) error) {
	var req accountActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.Store.GetAccount(c.Request.Context(), req.AccountID); err != nil {
		s.renderStoreError(c, err)
		return
	}
	if err := action(c.Request.Context(), req.AccountID); err != nil {
		s.renderStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accountId": req.AccountID})
}

func (s *Server) renderStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
