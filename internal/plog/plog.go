// Package plog is the structured-logging seam every CORE package takes
// an optional logger through. It defaults to a no-op zap.Logger so a
// library caller who never wants logging pays nothing for it, the same
// way the standard library's runtime exposes GODEBUG-gated diagnostics instead of
// unconditionally calling log.Println. No call in this package sits on
// a DCAS/PMwCAS linearization point — only on retry, backoff and
// recovery paths (this module's design: "never during steady-state CAS/defer
// paths").
package plog

import "go.uber.org/zap"

// Nop is the default logger every constructor falls back to when the
// caller passes nil.
func Nop() *zap.Logger { return zap.NewNop() }

// Or returns l if non-nil, otherwise the no-op logger. The epoch, handle
// and combine constructors and pmpool's WithLogger option call this once
// and store the result.
func Or(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
