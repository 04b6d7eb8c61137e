// Package config loads the broker configuration.
//
// Configuration is a single YAML file, by default
// ~/.config/tokenbroker/config.yaml. A missing file means defaults; secrets
// may instead come from the environment:
//
//	TOKENBROKER_PROVIDER_CLIENT_SECRET
//	TOKENBROKER_ENCRYPTION_KEY
//	TOKENBROKER_STATE_KEY
//	TOKENBROKER_REDIS_PASSWORD
//
// # Configuration Structure
//
//	server:
//	  host: "localhost"
//	  port: 8090
//	  publicURL: "https://broker.example.com"   # used to build the provider callback URL
//	provider:
//	  authorizationURL: "https://idp.example.com/authorize"
//	  tokenURL: "https://idp.example.com/token"
//	  clientID: "broker"
//	  scopes: ["openid", "offline_access"]
//	oauth:
//	  allowedRedirectURIs: ["https://app.example.com/callback"]
//	  transactionTTL: 10m
//	refresh:
//	  buffer: 60s
//	  cooldown: 30s
//	storage:
//	  type: file                               # memory, file or redis
//	  file:
//	    path: "~/.local/state/tokenbroker/tokens.json"
//	logging:
//	  level: info
//
// Durations use Go duration syntax. The allowed redirect URIs are reloaded
// from disk while the server runs, see Watcher.
package config
