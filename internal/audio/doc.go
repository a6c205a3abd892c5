// Package audio turns an encoded audio input into fixed-duration PCM chunks.
// It drives an external decoder process, feeds it either a single file or an
// ordered list of record files, and slices the decoded 16-bit mono stream into
// windows timestamped from the running byte count.
package audio
