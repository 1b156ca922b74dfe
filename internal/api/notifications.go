package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"notifyd/internal/model"
)

func (s *Server) getPreferences(c *gin.Context) {
	prefs, err := s.notify.Preferences(c.Request.Context(), c.Param("username"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) updatePreferences(c *gin.Context) {
	var prefs model.Preferences
	if err := c.ShouldBindJSON(&prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefs.Username = c.Param("username")

	if err := s.notify.UpdatePreferences(c.Request.Context(), &prefs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) analytics(c *gin.Context) {
	days := intQuery(c, "days", 7)
	a, err := s.notify.Analytics(c.Request.Context(), days)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "analytics": a})
}

func (s *Server) requeueItem(c *gin.Context) {
	if err := s.notify.Requeue(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pending"})
}

func (s *Server) trackOpen(c *gin.Context) {
	if err := s.st.TrackOpen(c.Request.Context(), c.Param("logID"), time.Now().UTC()); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) trackClick(c *gin.Context) {
	if err := s.st.TrackClick(c.Request.Context(), c.Param("logID"), time.Now().UTC()); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
