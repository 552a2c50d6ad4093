package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConnectedClients - открытые WebSocket соединения
var ConnectedClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "ws",
		Name:      "connected_clients",
		Help:      "Number of open WebSocket connections",
	},
)
