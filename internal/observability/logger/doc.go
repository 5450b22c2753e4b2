// Package logger provides a singleton Zap logger with context-based scoping.
//
// Initialization (once, in main):
//
//	logger.Init(logger.Config{Env: "prod", Level: "info"})
//	defer logger.Sync()
//
// In handlers and services, prefer the context-scoped logger so request
// fields (request_id, provider) propagate automatically:
//
//	log := logger.From(ctx)
//	log.Info("callback validated", logger.Provider(name))
//
// Environments: "dev" uses a colored console encoder, "prod" uses JSON.
package logger
