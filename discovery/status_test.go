package discovery

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmesh/valmesh/peernet"
	"github.com/valmesh/valmesh/pkg/log"
)

func TestStatus(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := peernet.NewHandler()
	network := peernet.NewNetwork(key, ln, handler, log.NewNopLogger())
	t.Cleanup(func() {
		_ = network.Close()
	})

	d := New(DefaultConfig(), network, handler, nil, log.NewNopLogger())
	t.Cleanup(func() {
		_ = d.Close()
	})

	peerID := testPeerID(2)
	d.Directory().Upsert(NodeInfo{
		PeerID:      peerID,
		Addresses:   []string{"/ip4/10.0.0.2/tcp/9090"},
		TimestampMs: 100,
	})

	router := gin.New()
	NewStatus(d).Register(router.Group("/status/discovery"))

	t.Run("list peers", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/status/discovery/peers", nil,
		)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var peers []NodeInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &peers))
		require.Len(t, peers, 1)
		assert.Equal(t, peerID, peers[0].PeerID)
	})

	t.Run("get peer", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/status/discovery/peers/"+peerID.String(), nil,
		)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var info NodeInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
		assert.Equal(t, []string{"/ip4/10.0.0.2/tcp/9090"}, info.Addresses)
	})

	t.Run("get peer invalid id", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/status/discovery/peers/xyz", nil,
		)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get peer not found", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/status/discovery/peers/"+testPeerID(9).String(), nil,
		)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("own info not ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/status/discovery/own-info", nil,
		)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("own info", func(t *testing.T) {
		d.Directory().SetOwnInfo(NodeInfo{
			PeerID:      network.LocalID(),
			Addresses:   []string{"/ip4/10.0.0.1/tcp/9090"},
			TimestampMs: 200,
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/status/discovery/own-info", nil,
		)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var info NodeInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
		assert.Equal(t, network.LocalID(), info.PeerID)
	})
}
