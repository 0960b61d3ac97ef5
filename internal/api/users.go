package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aprilgo/internal/auth"
)

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	user, err := s.assistant.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.issueSession(c, user.ID, gin.H{"user": user})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}
	user, err := s.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.issueSession(c, user.ID, gin.H{"user": user})
}

func (s *Server) issueSession(c *gin.Context, userID int64, payload gin.H) {
	token, err := s.auth.IssueToken(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	csrf, err := s.auth.NewCSRFToken()
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.auth.SetSessionCookies(c, token, csrf)
	payload["token"] = token
	payload["csrf_token"] = csrf
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleLogout(c *gin.Context) {
	if token, ok := auth.CurrentToken(c); ok {
		if err := s.auth.RevokeToken(c.Request.Context(), token); err != nil {
			s.log.Warn("revoke token", zap.Error(err))
		}
	}
	s.auth.ClearSessionCookies(c)
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Server) handleDeleteUser(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	ctx := c.Request.Context()
	s.manager.ResetUser(ctx, userID)
	if err := s.auth.RevokeUserTokens(ctx, userID); err != nil {
		s.log.Warn("revoke user tokens", zap.Error(err))
	}
	if err := s.assistant.DeleteUser(ctx, userID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type profileRequest struct {
	Attributes    map[string]any `json:"attributes"`
	SenderAddress string         `json:"sender_address"`
}

func (s *Server) handleGetProfile(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	profile, err := s.assistant.GetProfile(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile payload"})
		return
	}
	if req.Attributes == nil {
		req.Attributes = map[string]any{}
	}
	profile, err := s.assistant.UpdateProfile(c.Request.Context(), userID, req.Attributes, req.SenderAddress)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}
