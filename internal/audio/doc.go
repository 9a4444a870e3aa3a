// Package audio provides the sample-level building blocks of the
// conversion pipeline: a bounded drop-oldest ring buffer, fixed-duration
// chunk scheduling with strict sequencing, ordered reassembly of
// asynchronously transformed chunks, and WAV encoding for the transform
// collaborator boundary.
package audio
