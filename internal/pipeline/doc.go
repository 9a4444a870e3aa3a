// Package pipeline drives audio from capture to playback: chunks are
// converted concurrently by the external voice service, restored to
// sequence order, perturbed by per-session fluctuation, optionally
// mixed with ambience, and emitted into an output ring. A chunk that
// fails or misses its deadline leaves as silence so the stream never
// stalls and the speaker's own voice never leaks through.
package pipeline
