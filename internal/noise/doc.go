// Package noise generates background ambience mixed into converted
// audio so silence between utterances does not sound artificially dead.
package noise
