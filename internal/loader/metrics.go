package loader

import "github.com/prometheus/client_golang/prometheus"

var pluginLoads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "compiled",
		Name:      "plugin_loads_total",
		Help:      "Backend construction attempts by device and outcome",
	},
	[]string{"device", "status"},
)

func init() {
	prometheus.MustRegister(pluginLoads)
}
