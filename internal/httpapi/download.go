package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleDownload serves a finalized artifact to a holder of a valid
// capability token. The token is the only authorization check: it is
// never substituted for an ownership/userKey check, and a token minted
// for a different upload id is rejected.
func (s *Server) handleDownload(c *gin.Context) {
	uploadID := c.Param("id")
	token := c.Query("token")
	if token == "" {
		errJSON(c, http.StatusUnauthorized, "token_invalid")
		return
	}

	scopedID, err := s.manager.VerifyDownloadToken(token)
	if err != nil {
		errJSON(c, http.StatusUnauthorized, err.Error())
		return
	}
	if scopedID != uploadID {
		errJSON(c, http.StatusUnauthorized, "token_invalid")
		return
	}

	path, err := s.manager.FindFinalArtifact(uploadID)
	if err != nil {
		errJSON(c, http.StatusNotFound, "artifact_not_found")
		return
	}
	c.Header("Content-Disposition", "attachment")
	c.File(path)
}

// handleEvents streams this user's upload lifecycle events as
// server-sent events.
func (s *Server) handleEvents(c *gin.Context) {
	userKey := c.Query("userKey")
	if userKey == "" {
		errJSON(c, http.StatusBadRequest, "missing_user_key")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ch, cleanup := s.bus.Subscribe(c.Request.Context(), userKey)
	defer cleanup()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Kind, ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
