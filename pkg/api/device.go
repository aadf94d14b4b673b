package api

import (
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	Uptime        string `json:"uptime"`
}

// DeviceResponse describes the local key store.
type DeviceResponse struct {
	Success        bool   `json:"success"`
	JID            string `json:"jid,omitempty"`
	PushName       string `json:"pushName,omitempty"`
	Paired         bool   `json:"paired"`
	Valid          bool   `json:"valid"`
	RegistrationID uint16 `json:"registrationId"`
	ClientID       string `json:"clientId"`
	IdentityKey    string `json:"identityKey"`
	SignedPreKeyID uint32 `json:"signedPreKeyId"`
	OneTimeKeys    int    `json:"oneTimeKeys"`
}

// PreKeysResponse lists newly generated one-time pre-key ids.
type PreKeysResponse struct {
	Success bool     `json:"success"`
	KeyIDs  []uint32 `json:"keyIds"`
	Total   int      `json:"total"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Success: true,
		Status:  "ok",
		Uptime:  time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.conn != nil {
		resp.Connected = s.conn.IsConnected()
		resp.Authenticated = s.conn.IsAuthenticated()
		if !resp.Connected {
			resp.Status = "disconnected"
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleDevice handles GET /api/v1/device
func (s *Server) handleDevice(c *gin.Context) {
	identity := s.keys.IdentityPublic()
	resp := DeviceResponse{
		Success:        true,
		PushName:       s.keys.PushName(),
		Paired:         s.keys.IsPaired(),
		Valid:          s.keys.IsValid(),
		RegistrationID: s.keys.RegistrationID(),
		ClientID:       s.keys.ClientID(),
		IdentityKey:    hex.EncodeToString(identity[:]),
		SignedPreKeyID: s.keys.SignedPreKey().KeyID,
		OneTimeKeys:    s.keys.OneTimeKeyCount(),
	}
	if resp.Paired {
		resp.JID = s.keys.JID().String()
	}
	c.JSON(http.StatusOK, resp)
}

// handleAddPreKeys handles POST /api/v1/prekeys?count=n
func (s *Server) handleAddPreKeys(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "1"))
	if err != nil || count < 1 || count > maxPreKeyBatch {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid count",
			Message: "count must be a number between 1 and " + strconv.Itoa(maxPreKeyBatch),
		})
		return
	}

	ids, err := s.keys.AddOneTimeKeys(count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Key generation failed", Message: err.Error()})
		return
	}
	if s.store != nil {
		if err := s.store.SaveKeyStore(s.keys.Snapshot()); err != nil {
			s.logger.Error("failed to persist new pre-keys", zap.Error(err))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Persist failed", Message: err.Error()})
			return
		}
	}

	s.logger.Info("one-time pre-keys added", zap.Int("count", len(ids)))
	c.JSON(http.StatusOK, PreKeysResponse{
		Success: true,
		KeyIDs:  ids,
		Total:   s.keys.OneTimeKeyCount(),
	})
}
