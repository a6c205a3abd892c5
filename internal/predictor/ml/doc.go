// Package ml implements the content classifier predictor. Each chunk is
// scored over the advertisement, speech and music classes by a pluggable
// Engine: a built-in energy heuristic, a remote inference endpoint, or an
// ONNX Runtime session when built with -tags onnx.
package ml
