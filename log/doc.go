// Package log defines the structured logging seam used across the banking
// core. Components depend on the Logger interface only; the concrete backend
// is supplied at construction time (see NewZap) and a nil logger is always
// replaced by a no-op implementation, so logging never needs nil checks at
// call sites.
package log
