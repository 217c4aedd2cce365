package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/persistex/pmcore/internal/plog"
)

type loggerKey struct{}

func withLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

func loggerFrom(ctx context.Context) *zap.Logger {
	l, _ := ctx.Value(loggerKey{}).(*zap.Logger)
	return plog.Or(l)
}
