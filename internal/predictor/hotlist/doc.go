// Package hotlist recognises known recordings, such as jingles and recurring
// advertisements, in the chunk stream. Reference tracks are fingerprinted as
// landmark hashes (spectral peak pairs) stored in a badger database; a chunk
// matches a track when many of its landmarks agree on one time offset.
package hotlist
