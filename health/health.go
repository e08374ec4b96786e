package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	resp "github.com/sheetwork/billing/response"

	"github.com/go-chi/chi"
	"github.com/go-redis/redis/v7"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const checkTimeout = time.Second * 5

// ConnectionChecker reports whether a long-lived connection is still usable.
// Satisfied by the AMQP broker.
type ConnectionChecker interface {
	Connected() bool
}

// MonitorOptions contains the dependencies the Monitor checks
type MonitorOptions struct {
	DB     *gorm.DB
	Redis  redis.UniversalClient
	Broker ConnectionChecker
	Logger *zap.Logger
}

// Monitor aggregates the liveness of the engine's required dependencies.
// Redis and the broker are optional wiring; the database is always required.
type Monitor struct {
	MonitorOptions
}

// NewMonitor returns a new Monitor over the given dependencies
func NewMonitor(option MonitorOptions) (*Monitor, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Monitor{
		MonitorOptions: option,
	}, nil
}

// DependencyStatus is one dependency's check result
type DependencyStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// Report is the aggregated health of the engine
type Report struct {
	Healthy      bool               `json:"healthy"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

func (m *Monitor) checkDB(ctx context.Context) DependencyStatus {
	status := DependencyStatus{Name: "postgres"}
	start := time.Now()
	sqlDB, err := m.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

func (m *Monitor) checkRedis() DependencyStatus {
	status := DependencyStatus{Name: "redis"}
	start := time.Now()
	err := m.Redis.Ping().Err()
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

func (m *Monitor) checkBroker() DependencyStatus {
	status := DependencyStatus{Name: "amqp"}
	start := time.Now()
	connected := m.Broker.Connected()
	status.LatencyMS = time.Since(start).Milliseconds()
	if !connected {
		status.Error = "connection is closed"
		return status
	}
	status.Healthy = true
	return status
}

// Check pings every configured dependency and returns the aggregate report
func (m *Monitor) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	report := Report{
		Healthy:      true,
		Dependencies: make([]DependencyStatus, 0, 3),
	}
	report.Dependencies = append(report.Dependencies, m.checkDB(ctx))
	if m.Redis != nil {
		report.Dependencies = append(report.Dependencies, m.checkRedis())
	}
	if m.Broker != nil {
		report.Dependencies = append(report.Dependencies, m.checkBroker())
	}

	for _, dep := range report.Dependencies {
		up := float64(0)
		if dep.Healthy {
			up = 1
		} else {
			report.Healthy = false
			m.Logger.Warn("Dependency failed health check",
				zap.String("Dependency", dep.Name),
				zap.String("Error", dep.Error),
			)
		}
		DependencyUp.WithLabelValues(dep.Name).Set(up)
	}
	return report
}

func (m *Monitor) healthz(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())
	if !report.Healthy {
		e := resp.ErrUnexpected().
			WithCode("unhealthy").
			AddMessages("One or more dependencies are unavailable").
			WithResult(report).
			CanRetry()
		e.StatusCode = http.StatusServiceUnavailable
		resp.WriteError(w, r, e)
		return
	}
	resp.WriteResponse(w, r, report)
}

// Router returns the monitoring endpoints, mounted unauthenticated
func (m *Monitor) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", m.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
