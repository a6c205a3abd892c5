// Package metrics defines the Prometheus instrumentation of a pipeline run.
package metrics
