package utils

import (
	"context"

	"github.com/comedorsoft/pantry_backend/appctx"
)

var (
	ContextKeyTerminalId    = appctx.ContextKeyTerminalId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetTerminalIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTerminalId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetTerminalIdInContext(ctx context.Context, terminalId string) context.Context {
	return appctx.Set(ctx, ContextKeyTerminalId, terminalId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
