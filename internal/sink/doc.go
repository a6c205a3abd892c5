// Package sink provides the downstream consumers of a pipeline run. A sink
// receives predictor emissions and merged fileChunk objects, possibly from
// several goroutines, and is closed once when the run ends.
package sink
