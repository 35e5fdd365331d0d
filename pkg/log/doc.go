/*
Package log provides structured logging for the broker using zerolog.

A single global Logger is initialized once via Init and used from every
package without being passed around explicitly. Component, rank, module,
and topic loggers (WithComponent, WithRank, WithModule, WithTopic) attach
a context field and return a child logger, so call sites that need to tag
their output don't repeat the same fields on every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	routerLog := log.WithComponent("router")
	routerLog.Info().Str("topic", "job-manager.start").Msg("request routed")

	modLog := log.WithModule("job-manager", modUUID)
	modLog.Warn().Err(err).Msg("module exited with error")

Console output (JSONOutput: false) is the default, for interactive
development; JSON output (JSONOutput: true, relaybrokerd's --log-json flag)
suits a log-aggregation pipeline.
*/
package log
