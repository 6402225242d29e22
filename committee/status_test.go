package committee

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	channel := NewChannel()
	defer channel.Close()
	sub := channel.Subscribe()

	router := gin.New()
	NewStatus(channel).Register(router.Group("/status/committee"))

	t.Run("no record", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodGet, "/status/committee/record", nil,
		)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("publish epoch start", func(t *testing.T) {
		state := EpochStartState{
			Epoch: 3,
			ActiveValidators: []EpochStartValidator{
				{
					Name:        "validator-0",
					VotingPower: 100,
					P2PAddress:  "/ip4/10.0.0.1/tcp/9090",
				},
			},
		}
		body, err := json.Marshal(state)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodPost, "/status/committee/epoch-start", bytes.NewReader(body),
		)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		record, err := sub.Recv(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(3), record.Epoch)

		w = httptest.NewRecorder()
		req = httptest.NewRequest(
			http.MethodGet, "/status/committee/record", nil,
		)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var latest Record
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &latest))
		assert.Equal(t, uint64(3), latest.Epoch)
		assert.Equal(t, uint64(100), latest.Authorities["validator-0"].Stake)
	})

	t.Run("invalid epoch start", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(
			http.MethodPost, "/status/committee/epoch-start",
			bytes.NewReader([]byte("{invalid")),
		)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
