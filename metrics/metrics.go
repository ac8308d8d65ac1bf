package metrics

import (
	"fmt"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActivitiesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_activities_received_total",
		Help: "Inbound activities by type.",
	}, []string{"type"})

	DeliveriesAttempted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_attempted_total",
		Help: "Outbound delivery attempts.",
	})

	DeliveriesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_succeeded_total",
		Help: "Outbound deliveries acknowledged with 2xx.",
	})

	DeliveriesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_failed_total",
		Help: "Outbound deliveries that failed.",
	})

	Listeners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_listeners",
		Help: "Currently subscribed listeners.",
	})

	PendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_jobs_pending",
		Help: "Jobs waiting in the durable queue.",
	})
)

// Serve exposes /metrics on its own listener. Returns immediately; the
// server runs until the process exits.
func Serve(addr string, port int) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		listen := fmt.Sprintf("%s:%d", addr, port)
		log.Printf("Metrics: Serving Prometheus metrics on %s", listen)
		if err := http.ListenAndServe(listen, mux); err != nil {
			log.Printf("Metrics: Server stopped: %v", err)
		}
	}()
}
