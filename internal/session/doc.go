// Package session tracks per-speaker conversion state across chunks.
// Each session owns one fluctuation engine; the registry creates
// sessions lazily, resets them on request, and evicts them after
// sitting idle.
package session
