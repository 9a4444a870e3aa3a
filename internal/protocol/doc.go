// Package protocol implements the binary frame codec used on the
// WebSocket stream: an 8-byte header followed by a PCM16 audio payload
// or a payload-free control command (end-of-stream, reset).
package protocol
