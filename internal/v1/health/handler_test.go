package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHub struct{ connections int }

func (s stubHub) ConnectionCount() int { return s.connections }

type stubRegistry struct{ rooms int }

func (s stubRegistry) RoomCount() int { return s.rooms }

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health/live", h.Liveness)
	router.GET("/health/ready", h.Readiness)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestLiveness(t *testing.T) {
	h := NewHandler(stubHub{}, stubRegistry{})

	w := serve(h, "/health/live")

	require.Equal(t, http.StatusOK, w.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness(t *testing.T) {
	h := NewHandler(stubHub{connections: 4}, stubRegistry{rooms: 2})

	w := serve(h, "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, 4, resp.Connections)
	assert.Equal(t, 2, resp.Rooms)
}

func TestReadinessUnavailableWithoutDependencies(t *testing.T) {
	h := NewHandler(nil, nil)

	w := serve(h, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
