// Package metrics exports dispatcher counters and gauges to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(metrics.WithRegistry(reg))
//	iface, err := netif.New(sock, netif.Options{Metrics: m})
//
// Every method accepts a nil receiver, so components can hold a *Metrics
// without checking whether metrics are enabled.
package metrics
