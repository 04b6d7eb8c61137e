// Package app bootstraps and runs the broker.
//
// NewApplication loads the configuration file (or takes a pre-built
// config.Config), configures logging from it and builds the services in
// dependency order: token store, provider client, state codec, redirect
// policy, flow engine, refresh controller and HTTP server.
//
// Run serves until the context is cancelled. When the configuration came
// from a file, the file is watched as well and changes to the redirect
// settings are applied without a restart; every other setting needs one.
//
//	application, err := app.NewApplication(app.NewConfig(false, path))
//	if err != nil {
//	    return err
//	}
//	return application.Run(ctx)
package app
