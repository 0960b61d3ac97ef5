package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aprilgo/internal/auth"
	"aprilgo/internal/service/assistant"
)

type personaRequest struct {
	Name              string         `json:"name" binding:"required"`
	Attributes        map[string]any `json:"attributes"`
	IsIMessagePersona bool           `json:"is_imessage_persona"`
	IsTelegramPersona bool           `json:"is_telegram_persona"`
}

func (r personaRequest) input() assistant.PersonaInput {
	return assistant.PersonaInput{
		Name:              r.Name,
		Attributes:        r.Attributes,
		IsIMessagePersona: r.IsIMessagePersona,
		IsTelegramPersona: r.IsTelegramPersona,
	}
}

func (s *Server) handleListPersonas(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	personas, err := s.assistant.ListPersonas(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"personas": personas})
}

func (s *Server) handleCreatePersona(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	var req personaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "persona name required"})
		return
	}
	persona, err := s.assistant.CreatePersona(c.Request.Context(), userID, req.input())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"persona": persona})
}

func (s *Server) handleGetPersona(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	persona, err := s.assistant.GetPersona(c.Request.Context(), userID, c.Param("persona_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"persona": persona})
}

func (s *Server) handleUpdatePersona(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	var req personaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "persona name required"})
		return
	}
	persona, err := s.assistant.UpdatePersona(c.Request.Context(), userID, c.Param("persona_id"), req.input())
	if err != nil {
		s.writeError(c, err)
		return
	}
	// The live conversation keeps the old prompt otherwise.
	s.manager.Purge(c.Request.Context(), userID, persona.ID)
	c.JSON(http.StatusOK, gin.H{"persona": persona})
}

func (s *Server) handleDeletePersona(c *gin.Context) {
	userID, _ := auth.CurrentUserID(c)
	personaID := c.Param("persona_id")
	if err := s.assistant.DeletePersona(c.Request.Context(), userID, personaID); err != nil {
		s.writeError(c, err)
		return
	}
	s.manager.Purge(c.Request.Context(), userID, personaID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
