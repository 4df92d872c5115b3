package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/audiolab/recording"
)

// maxListLimit caps a single catalog page regardless of the query.
const maxListLimit = 500

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListRecordings returns catalog entries newest first. Optional
// query parameters: session_id filters to one session, skip and limit
// page through the results.
func (s *Server) handleListRecordings(c *gin.Context) {
	sessionID := c.Query("session_id")
	skip := parseIntDefault(c.Query("skip"), 0)
	limit := parseIntDefault(c.Query("limit"), recording.DefaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	recs, err := s.store.List(c.Request.Context(), sessionID, skip, limit)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleListRecordings",
			"error":    err.Error(),
		}).Error("Failed to list recordings")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to list recordings"})
		return
	}
	c.JSON(http.StatusOK, recs)
}

// handleDownloadRecording streams one finalized WAV as an attachment.
// Presence is checked on disk rather than in the catalog, so files
// that outlived their rows stay downloadable.
func (s *Server) handleDownloadRecording(c *gin.Context) {
	filename := c.Param("filename")
	if !validFilename(filename) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid filename"})
		return
	}

	path := filepath.Join(s.cfg.Recordings.Dir, filename)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "File not found"})
		return
	}

	c.Header("Content-Type", "audio/wav")
	c.FileAttachment(path, filename)
}

// handleDeleteRecording removes a recording: the catalog row first,
// then the WAV file. A missing file after a present row is tolerated,
// the row is what clients list against.
func (s *Server) handleDeleteRecording(c *gin.Context) {
	filename := c.Param("filename")
	if !validFilename(filename) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid filename"})
		return
	}

	if err := s.store.DeleteByFilename(c.Request.Context(), filename); err != nil {
		if errors.Is(err, recording.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Recording not found"})
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "handleDeleteRecording",
			"filename": filename,
			"error":    err.Error(),
		}).Error("Failed to delete recording row")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to delete recording"})
		return
	}

	path := filepath.Join(s.cfg.Recordings.Dir, filename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "handleDeleteRecording",
			"filename": filename,
			"error":    err.Error(),
		}).Error("Failed to delete recording file")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "failed to delete file"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "filename": filename})
}

// validFilename refuses anything that could escape the recordings
// directory through the path parameter.
func validFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	return filepath.Base(name) == name
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
