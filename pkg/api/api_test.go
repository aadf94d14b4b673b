package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/wamd/pkg/appstate"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/protocol"
)

type fakeStore struct {
	saved []keystore.State
	err   error
}

func (f *fakeStore) SaveKeyStore(st keystore.State) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, st)
	return nil
}

type fakeConn struct{ connected, authenticated bool }

func (f fakeConn) IsConnected() bool     { return f.connected }
func (f fakeConn) IsAuthenticated() bool { return f.authenticated }

func newTestServer(t *testing.T, config *Config) (*Server, *keystore.KeyStore, *appstate.Manager, *fakeStore) {
	t.Helper()
	ks, err := keystore.Generate()
	require.NoError(t, err)
	m := appstate.NewManager(nil)
	store := &fakeStore{}
	if config == nil {
		config = &Config{}
	}
	return NewServer(ks, m, store, fakeConn{connected: true, authenticated: true}, config), ks, m, store
}

func doRequest(s *Server, method, url string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t, nil)

	w := doRequest(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Connected)
	assert.True(t, resp.Authenticated)

	s.conn = fakeConn{}
	w = doRequest(s, http.MethodGet, "/health", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "disconnected", resp.Status)
}

func TestDevice(t *testing.T) {
	s, ks, _, _ := newTestServer(t, nil)

	w := doRequest(s, http.MethodGet, "/api/v1/device", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp DeviceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Paired)
	assert.Empty(t, resp.JID)
	assert.False(t, resp.Valid)
	assert.Equal(t, ks.RegistrationID(), resp.RegistrationID)
	assert.Len(t, resp.IdentityKey, 64)

	ks.SetIdentity(protocol.NewJID("15551234567", protocol.DefaultUserServer), "desk")
	w = doRequest(s, http.MethodGet, "/api/v1/device", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Paired)
	assert.Equal(t, "15551234567@s.whatsapp.net", resp.JID)
	assert.Equal(t, "desk", resp.PushName)
}

func TestAddPreKeys(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode int
		wantKeys int
	}{
		{"default count", "", http.StatusOK, 1},
		{"batch", "?count=5", http.StatusOK, 5},
		{"zero", "?count=0", http.StatusBadRequest, 0},
		{"too many", "?count=9999", http.StatusBadRequest, 0},
		{"not a number", "?count=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ks, _, store := newTestServer(t, nil)

			w := doRequest(s, http.MethodPost, "/api/v1/prekeys"+tt.query, nil)
			require.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantKeys, ks.OneTimeKeyCount())
			if tt.wantCode != http.StatusOK {
				assert.Empty(t, store.saved)
				return
			}

			var resp PreKeysResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Len(t, resp.KeyIDs, tt.wantKeys)
			assert.Equal(t, tt.wantKeys, resp.Total)
			require.Len(t, store.saved, 1)
			assert.Len(t, store.saved[0].OneTimeKeys, tt.wantKeys)
		})
	}
}

func TestAddPreKeysPersistFailure(t *testing.T) {
	s, _, _, store := newTestServer(t, nil)
	store.err = errors.New("disk full")

	w := doRequest(s, http.MethodPost, "/api/v1/prekeys?count=2", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAppState(t *testing.T) {
	s, _, m, _ := newTestServer(t, nil)
	m.AddEntry(appstate.Entry{Name: "mute:123", Version: 4, Data: []byte("on"), Timestamp: 99})
	m.SetCollectionVersion(appstate.TypeRegularHigh, 4)

	t.Run("Summary", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/appstate", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp AppStateResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, uint64(4), resp.Versions["mute:123"])
		assert.Equal(t, uint64(4), resp.Collections["regular_high"])
		assert.Equal(t, uint64(0), resp.Collections["regular"])
		assert.Len(t, resp.Collections, len(appstate.AllTypes))
	})

	t.Run("Entry", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/appstate/mute:123", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp EntryResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, uint64(4), resp.Version)
		assert.Equal(t, int64(99), resp.Timestamp)
		data, err := base64.StdEncoding.DecodeString(resp.Data)
		require.NoError(t, err)
		assert.Equal(t, []byte("on"), data)
	})

	t.Run("MissingEntry", func(t *testing.T) {
		w := doRequest(s, http.MethodGet, "/api/v1/appstate/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAPIKey(t *testing.T) {
	s, _, _, _ := newTestServer(t, &Config{APIKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, doRequest(s, http.MethodGet, "/api/v1/device", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		doRequest(s, http.MethodGet, "/api/v1/device", map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		doRequest(s, http.MethodGet, "/api/v1/device", map[string]string{"X-API-Key": "secret"}).Code)

	// Health stays open.
	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodGet, "/health", nil).Code)
}

func TestRateLimiting(t *testing.T) {
	s, _, _, _ := newTestServer(t, &Config{RateLimit: 5})

	limitExceeded := false
	for i := 0; i < 10; i++ {
		if doRequest(s, http.MethodGet, "/health", nil).Code == http.StatusTooManyRequests {
			limitExceeded = true
			break
		}
	}
	assert.True(t, limitExceeded, "rate limit should have been exceeded")
}

func TestCORSPreflight(t *testing.T) {
	s, _, _, _ := newTestServer(t, &Config{EnableCORS: true})

	w := doRequest(s, http.MethodOptions, "/api/v1/device", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecovery(t *testing.T) {
	s, _, _, _ := newTestServer(t, nil)
	s.router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := doRequest(s, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Internal error")
}
