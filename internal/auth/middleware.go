package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Keys under which the session middleware stores the caller's identity.
const (
	sessionUserKey  = "session.user_id"
	sessionTokenKey = "session.token"
)

const bearerPrefix = "bearer "

// RequireSession authenticates the request and attaches the user to the
// context. An explicit bearer Authorization header wins over the session
// cookie, so API clients and the browser UI share the same routes.
func (s *Service) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.requestToken(c)
		if token == "" {
			abortUnauthorized(c, "sign in required")
			return
		}
		userID, err := s.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		c.Set(sessionUserKey, userID)
		c.Set(sessionTokenKey, token)
		c.Next()
	}
}

// CurrentUserID returns the user id RequireSession attached to the context.
func CurrentUserID(c *gin.Context) (int64, bool) {
	val, ok := c.Get(sessionUserKey)
	if !ok {
		return 0, false
	}
	userID, ok := val.(int64)
	return userID, ok
}

// CurrentToken returns the credential the request authenticated with.
func CurrentToken(c *gin.Context) (string, bool) {
	val, ok := c.Get(sessionTokenKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func abortUnauthorized(c *gin.Context, reason string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
}

func (s *Service) requestToken(c *gin.Context) string {
	if token := bearerToken(c.GetHeader(s.headerName)); token != "" {
		return token
	}
	token, _ := c.Cookie(s.cookieName)
	return token
}

// bearerToken extracts the credential from an Authorization header, or ""
// when the header is absent or not a bearer credential.
func bearerToken(header string) string {
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(header[len(bearerPrefix):])
}
