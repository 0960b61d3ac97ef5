package api

import (
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"aprilgo/internal/auth"
	"aprilgo/internal/chat"
	"aprilgo/internal/models"
)

type messageView struct {
	*models.Message
	DateSeparator bool `json:"date_separator"`
}

func (s *Server) handleListMessages(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	personaID := c.Param("persona_id")
	if _, err := s.assistant.GetPersona(c.Request.Context(), userID, personaID); err != nil {
		s.writeError(c, err)
		return
	}
	msgs, err := s.assistant.ListMessages(c.Request.Context(), userID, personaID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = messageView{Message: m, DateSeparator: i == 0 || !sameLocalDate(msgs[i-1], m)}
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func sameLocalDate(a, b *models.Message) bool {
	ay, am, ad := a.CreatedAt.Local().Date()
	by, bm, bd := b.CreatedAt.Local().Date()
	return ay == by && am == bm && ad == bd
}

func (s *Server) handleClearMessages(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	personaID := c.Param("persona_id")
	if err := s.assistant.DeleteMessages(c.Request.Context(), userID, personaID); err != nil {
		s.writeError(c, err)
		return
	}
	s.manager.Purge(c.Request.Context(), userID, personaID)
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// handleChat accepts a message (multipart with an optional image, or plain
// form/JSON) and streams the reply over SSE. Events: ack when the send is
// accepted, stream per reply chunk, done with the settled turns, error on
// failure after the stream has started. A "surface=compact" form field
// selects the single-line input policy (flattened newlines, tighter cap)
// used by the external messaging bridges.
func (s *Server) handleChat(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	personaID := c.Param("persona_id")

	text, file, err := s.parseChatRequest(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	surface := chat.SurfaceExpanded
	if c.PostForm("surface") == "compact" {
		surface = chat.SurfaceCompact
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.SSEvent("ack", gin.H{"status": "accepted"})
	c.Writer.Flush()

	res, err := s.manager.Send(c.Request.Context(), userID, personaID, text, file, surface, func(delta string) error {
		c.SSEvent("stream", gin.H{"delta": delta})
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		c.SSEvent("error", gin.H{"error": err.Error()})
		c.Writer.Flush()
		return
	}

	done := gin.H{
		"user_message": res.UserMessage,
		"assistant":    res.Assistant,
	}
	if res.Title != "" {
		done["title"] = res.Title
	}
	c.SSEvent("done", done)
	c.Writer.Flush()
}

func (s *Server) parseChatRequest(c *gin.Context) (string, *models.LocalFile, error) {
	text := c.PostForm("message")
	header, err := c.FormFile("file")
	if err != nil {
		// No file part; a bare message is fine.
		return text, nil, nil
	}
	file, err := readUpload(header, s.cfg.Uploads.MaxAttachmentBytes)
	if err != nil {
		return "", nil, err
	}
	return text, file, nil
}

func readUpload(header *multipart.FileHeader, maxBytes int64) (*models.LocalFile, error) {
	src, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		return nil, err
	}
	return &models.LocalFile{
		Name:        header.Filename,
		ContentType: http.DetectContentType(data),
		Size:        int64(len(data)),
		Data:        data,
	}, nil
}
