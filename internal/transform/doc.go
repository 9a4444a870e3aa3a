// Package transform talks to the external voice-conversion service.
// Chunks travel as multipart WAV uploads; pitch and tone parameters
// ride along as form fields, and the converted audio comes back as a
// WAV of identical duration.
package transform
