package metrics

import (
	"context"
	"net/http"
	"time"
)

// MetricsCollector defines the core domain interface
type MetricsCollector interface {
	Record(ctx context.Context, snapshot *MetricsSnapshot) error
	RecordFailure(consecutiveErrors int)
	RecordSafetyAction()
	Close() error
}

// MetricsSnapshot is the outcome of one successful control iteration
type MetricsSnapshot struct {
	Timestamp   time.Time
	Temperature float64
	Target      float64
	Output      float64
	FanSpeed    int
}

// Handler exposes collected metrics over HTTP
type Handler interface {
	Handler() http.Handler
}
