// Package stream runs the analysis pipeline of one recorded radio stream.
//
// A Coordinator pulls fixed-window PCM chunks from an audio source, hands
// each chunk to every enabled predictor concurrently and, once all of them
// have finished, writes a tagged fileChunk object to the sink. The next chunk
// is requested only after that write, so exactly one chunk is in flight.
//
// When the source is exhausted or fails, the coordinator closes the source,
// then each predictor, then the sink. Shutdown happens once.
//
// Run wires a source, the predictors built from model files named after the
// stream and a coordinator together, and scopes metrics to the run.
package stream
