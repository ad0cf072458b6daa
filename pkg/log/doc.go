/*
Package log provides structured logging for LatZero built on zerolog.

A single global logger is initialized once at startup from the server
configuration; components derive child loggers carrying a component field:

	logger := log.WithComponent("router")
	logger.Info().Str("trigger", name).Msg("dispatched")

Console output is the default; JSON output is available for machine
consumption. Field helpers exist for the identifiers that recur across the
codebase (app_id, conn_id, pool).
*/
package log
