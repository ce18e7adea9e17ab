/*
Package log provides structured logging for Strata using zerolog.

The process logger is configured once via Setup (level name, JSON or
console output, destination) and handed to components as scoped child
loggers:

	logger := log.WithComponent("tier", log.Collection(cid.String()))
	logger.Info().Str("to", "warm").Msg("Demoting")

Identifier fields (Collection, Stream, Tenant) attach the ids used
throughout the storage and query paths so lines from one collection or
WAL stream correlate. The root logger lives behind an atomic pointer:
Setup can race with logging safely, and components created before
Setup simply keep the defaults.
*/
package log
