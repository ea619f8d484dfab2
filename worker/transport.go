package worker

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultPoolSize bounds concurrent upstream connections across all workers.
const DefaultPoolSize = 50

// NewHTTPClient builds the shared outbound client. Connections are pooled
// process-wide and split across hosts so one slow agent cannot monopolize the
// pool. The transport propagates trace context to upstream agents.
func NewHTTPClient(poolSize int) *http.Client {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	perHost := poolSize / 4
	if perHost < 1 {
		perHost = 1
	}

	transport := &http.Transport{
		MaxIdleConns:        poolSize,
		MaxIdleConnsPerHost: perHost,
		MaxConnsPerHost:     perHost,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}
