package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsPath is where Prometheus metrics are exposed.
const MetricsPath = "/metrics"

// NewHTTPHandler mounts the notification hub and, when gatherer is not nil,
// the metrics endpoint.
func NewHTTPHandler(hub *Hub, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+SubscribePath, hub)
	if gatherer != nil {
		mux.Handle("GET "+MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// NotifyURL derives the websocket URL advertised to mirrors from the HTTP
// listen address.
func NotifyURL(httpAddress string) string {
	return "ws://" + httpAddress + SubscribePath
}
