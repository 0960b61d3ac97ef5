package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aprilgo/internal/auth"
)

func (s *Server) handleUpload(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	personaID := c.PostForm("persona_id")
	if personaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "persona_id required"})
		return
	}
	if _, err := s.assistant.GetPersona(c.Request.Context(), userID, personaID); err != nil {
		s.writeError(c, err)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	file, err := readUpload(header, s.cfg.Uploads.MaxAttachmentBytes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	rec, err := s.assistant.SaveAttachment(c.Request.Context(), userID, personaID, file)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attachment": rec})
}

func (s *Server) handleStorageUsage(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	used, err := s.assistant.StorageUsage(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"used_bytes":  used,
		"limit_bytes": s.cfg.Uploads.UserStorageLimit,
	})
}

type signedURLRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) handleSignedURL(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	var req signedURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path required"})
		return
	}
	url, err := s.assistant.CreateSignedURL(c.Request.Context(), userID, req.Path)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":         url,
		"ttl_seconds": s.cfg.Uploads.SignedURLTTLSeconds,
	})
}

// handleSignedFile serves a file by its signed token. The token itself is
// the authorization, so the route sits outside the auth middleware.
func (s *Server) handleSignedFile(c *gin.Context) {
	path, err := s.assistant.ResolveSignedToken(c.Param("token"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.File(path)
}
