package api

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/wamd/pkg/appstate"
)

// AppStateResponse summarizes the synchronized app state.
type AppStateResponse struct {
	Success     bool              `json:"success"`
	Collections map[string]uint64 `json:"collections"`
	Versions    map[string]uint64 `json:"versions"`
	SyncKeys    int               `json:"syncKeys"`
	MissingKeys []string          `json:"missingKeys,omitempty"`
}

// EntryResponse is one app state entry.
type EntryResponse struct {
	Success   bool   `json:"success"`
	Name      string `json:"name"`
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Data      string `json:"data"` // base64
}

// handleAppState handles GET /api/v1/appstate
func (s *Server) handleAppState(c *gin.Context) {
	resp := AppStateResponse{
		Success:     true,
		Collections: make(map[string]uint64, len(appstate.AllTypes)),
		Versions:    make(map[string]uint64),
		SyncKeys:    s.appState.Keys().Len(),
	}
	for _, t := range appstate.AllTypes {
		resp.Collections[string(t)] = s.appState.CollectionVersion(t)
	}
	for _, e := range s.appState.Entries() {
		resp.Versions[e.Name] = e.Version
	}
	for _, id := range s.appState.MissingKeys() {
		resp.MissingKeys = append(resp.MissingKeys, base64.StdEncoding.EncodeToString(id))
	}
	c.JSON(http.StatusOK, resp)
}

// handleAppStateEntry handles GET /api/v1/appstate/:name
func (s *Server) handleAppStateEntry(c *gin.Context) {
	name := c.Param("name")
	e, ok := s.appState.Entry(name)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Entry not found",
			Message: "no app state entry named " + name,
		})
		return
	}
	c.JSON(http.StatusOK, EntryResponse{
		Success:   true,
		Name:      e.Name,
		Version:   e.Version,
		Timestamp: e.Timestamp,
		Data:      base64.StdEncoding.EncodeToString(e.Data),
	})
}
