package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ctxSubject = "auth.subject"

// authMiddleware validates a bearer token (header or, for websocket clients
// that cannot set headers, a token query parameter) and records its subject.
func (s *Server) authMiddleware() gin.HandlerFunc {
	secret := []byte(s.cfg.Auth.Secret)

	return func(c *gin.Context) {
		raw := c.Query("token")
		if raw == "" {
			header := c.GetHeader("Authorization")
			raw = strings.TrimPrefix(header, "Bearer ")
			if raw == header {
				raw = ""
			}
		}
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			s.log.Warn().Err(err).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if sub, err := token.Claims.GetSubject(); err == nil {
			c.Set(ctxSubject, sub)
		}
		c.Next()
	}
}
