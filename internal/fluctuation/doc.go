// Package fluctuation makes converted audio sound human. Successive
// chunks of a session are perturbed in pitch, volume and tone by a
// damped random walk around 1.0, so the output varies the way a real
// voice does without ever jumping discontinuously between chunks.
package fluctuation
