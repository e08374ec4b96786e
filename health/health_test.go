package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type staticBroker bool

func (b staticBroker) Connected() bool {
	return bool(b)
}

func testMonitor(t *testing.T, broker ConnectionChecker) *Monitor {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	monitor, err := NewMonitor(MonitorOptions{
		DB:     db,
		Broker: broker,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return monitor
}

func TestCheckHealthy(t *testing.T) {
	monitor := testMonitor(t, nil)

	report := monitor.Check(context.Background())
	assert.True(t, report.Healthy)
	require.Len(t, report.Dependencies, 1)
	assert.True(t, report.Dependencies[0].Healthy)
}

func TestCheckBrokerDown(t *testing.T) {
	monitor := testMonitor(t, staticBroker(false))

	report := monitor.Check(context.Background())
	assert.False(t, report.Healthy)
	require.Len(t, report.Dependencies, 2)
	assert.True(t, report.Dependencies[0].Healthy)
	assert.False(t, report.Dependencies[1].Healthy)
}

func TestHealthzEndpoint(t *testing.T) {
	monitor := testMonitor(t, staticBroker(true))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	monitor.Router().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusOK, recorder.Code)

	var envelope struct {
		Result Report `json:"result"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))
	assert.True(t, envelope.Result.Healthy)
	assert.Len(t, envelope.Result.Dependencies, 2)
}

func TestHealthzUnavailable(t *testing.T) {
	monitor := testMonitor(t, staticBroker(false))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	monitor.Router().ServeHTTP(recorder, request)

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}
