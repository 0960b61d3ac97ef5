// Package api exposes the HTTP surface: auth, profiles, personas, chat
// streaming, uploads, and signed file access.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aprilgo/internal/auth"
	"aprilgo/internal/chat"
	"aprilgo/internal/config"
	"aprilgo/internal/models"
	"aprilgo/internal/service/assistant"
	"aprilgo/internal/worker"
)

// AssistantService is the persistence surface the handlers need.
type AssistantService interface {
	Register(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (*models.User, error)
	DeleteUser(ctx context.Context, userID int64) error
	GetProfile(ctx context.Context, userID int64) (*models.Profile, error)
	UpdateProfile(ctx context.Context, userID int64, attrs map[string]any, senderAddress string) (*models.Profile, error)
	CreatePersona(ctx context.Context, userID int64, in assistant.PersonaInput) (*models.Persona, error)
	GetPersona(ctx context.Context, userID int64, personaID string) (*models.Persona, error)
	ListPersonas(ctx context.Context, userID int64) ([]*models.Persona, error)
	UpdatePersona(ctx context.Context, userID int64, personaID string, in assistant.PersonaInput) (*models.Persona, error)
	DeletePersona(ctx context.Context, userID int64, personaID string) error
	ListMessages(ctx context.Context, userID int64, personaID string) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, userID int64, personaID string) error
	SaveAttachment(ctx context.Context, userID int64, personaID string, file *models.LocalFile) (*models.Attachment, error)
	StorageUsage(ctx context.Context, userID int64) (int64, error)
	CreateSignedURL(ctx context.Context, userID int64, relPath string) (string, error)
	ResolveSignedToken(token string) (string, error)
}

// ConversationManager is the live-conversation surface the handlers need.
type ConversationManager interface {
	Send(ctx context.Context, userID int64, personaID, text string, file *models.LocalFile, surface chat.Surface, onDelta func(string) error) (*chat.SendResult, error)
	Purge(ctx context.Context, userID int64, personaID string)
	ResetUser(ctx context.Context, userID int64)
}

// Server holds the handler dependencies.
type Server struct {
	assistant AssistantService
	manager   ConversationManager
	auth      *auth.Service
	cfg       *config.Config
	log       *zap.Logger
}

// NewServer wires the HTTP server.
func NewServer(svc AssistantService, manager ConversationManager, authSvc *auth.Service, cfg *config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{assistant: svc, manager: manager, auth: authSvc, cfg: cfg, log: log}
}

// Routes registers all endpoints on the engine.
func (s *Server) Routes(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/users/register", s.handleRegister)
	api.POST("/users/login", s.handleLogin)
	api.GET("/files/:token", s.handleSignedFile)

	user := api.Group("/users/:id")
	user.Use(s.auth.RequireSession(), s.auth.CSRFProtect(), s.requireOwnUser())
	{
		user.POST("/logout", s.handleLogout)
		user.DELETE("", s.handleDeleteUser)
		user.GET("/profile", s.handleGetProfile)
		user.PUT("/profile", s.handleUpdateProfile)
		user.GET("/personas", s.handleListPersonas)
		user.POST("/personas", s.handleCreatePersona)
		user.GET("/personas/:persona_id", s.handleGetPersona)
		user.PUT("/personas/:persona_id", s.handleUpdatePersona)
		user.DELETE("/personas/:persona_id", s.handleDeletePersona)
		user.GET("/personas/:persona_id/messages", s.handleListMessages)
		user.DELETE("/personas/:persona_id/messages", s.handleClearMessages)
		user.POST("/personas/:persona_id/chat", s.handleChat)
		user.POST("/attachments", s.handleUpload)
		user.GET("/attachments/usage", s.handleStorageUsage)
		user.POST("/attachments/signed-url", s.handleSignedURL)
	}
}

// requireOwnUser pins the :id path segment to the authenticated user.
func (s *Server) requireOwnUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		authedID, ok := auth.CurrentUserID(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		pathID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || pathID != authedID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// writeError maps service errors onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var verr *chat.ValidationError
	var terr *chat.TransportError
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if errors.Is(err, chat.ErrSendInFlight) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": verr.Reason})
	case errors.Is(err, assistant.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, assistant.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, assistant.ErrStorageQuotaExceeded):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, assistant.ErrSignedURLExpired):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrUserBacklogged):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.As(err, &terr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream failure"})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
