// Package config loads relay settings.
//
// Values are layered in increasing order of precedence: built-in defaults,
// an optional YAML file, then RELAY_ prefixed environment variables where
// dots become underscores (server.port is RELAY_SERVER_PORT). Command line
// flags are applied on top by the caller.
//
// Example relay.yaml:
//
//	server:
//	  port: 3000
//	relay:
//	  heartbeat_interval: 25s
//	store:
//	  driver: file
//	  file:
//	    dir: ./data/topics
//	log:
//	  level: debug
//	  file: ./logs/relay.log
package config
