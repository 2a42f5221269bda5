/*
Package log provides structured logging for the fleet runtime using zerolog.

A single global Logger is configured once via Init and shared by every
package. Component loggers (WithComponent, WithWorkerID, WithCapabilityID,
WithControllerID) attach context fields without threading a logger through
every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})
	log.Info("controller starting")

	workerLog := log.WithWorkerID("worker-7f2a")
	workerLog.Info().Str("capability_id", "image.resize").Msg("registered")

JSON output is the production default; console output (human-readable,
RFC3339 timestamps) is for local development. Fatal logs exit the process
with os.Exit(1) and should only be used for unrecoverable startup errors.
*/
package log
