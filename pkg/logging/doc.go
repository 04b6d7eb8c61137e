// Package logging provides the subsystem-tagged structured logger used across
// tokenbroker.
//
// It is a thin layer over log/slog: callers log with a subsystem name and a
// printf-style message, and the package attaches the subsystem (and error, if
// any) as structured attributes.
//
//	logging.Init(logging.LevelInfo, logging.FormatJSON, os.Stderr)
//
//	logging.Info("Server", "Listening on %s", addr)
//	logging.Debug("Store", "Stored record for %s", logging.TruncateID(rsAccess))
//	logging.Error("Provider", err, "Token exchange failed")
//
// # Secrets
//
// Token values must never be passed to the logger. Use TruncateID for opaque
// identifiers and TruncateBody for upstream response bodies, which are capped
// at a fixed length so that provider error descriptions cannot smuggle
// credentials into log storage.
package logging
