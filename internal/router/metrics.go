package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routeResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tradegw",
			Subsystem: "router",
			Name:      "resolutions_total",
			Help:      "Total number of route resolutions by result",
		},
		[]string{"result"},
	)

	registeredRoutes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tradegw",
			Subsystem: "router",
			Name:      "routes",
			Help:      "Number of registered route rules",
		},
	)
)
