// Package metrics exports transaction user events to Prometheus.
package metrics
