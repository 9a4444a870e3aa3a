// Package server implements the service's network surface: a WebSocket
// endpoint streaming audio through the conversion pipeline, and HTTP
// endpoints for health, session control, configuration, and metrics.
package server
