// Package server implements the HTTP monitoring API of a pipeline run:
// health, run statistics, sanitized configuration and Prometheus metrics.
package server
