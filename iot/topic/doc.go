// Package topic keeps the registry of logical devices known to the relay.
//
// A topic is created the first time a device or an observer names it and is
// never removed. It records whether a device connection is currently bound,
// the latest telemetry reading and the latest actuator state. The registry
// hands out copies so callers can never mutate shared state.
//
// Snapshots of the registry can be persisted through a Store. Implementations
// exist for memory, local JSON files, MongoDB and PostgreSQL. Restored topics
// are always offline since connections do not survive a restart.
package topic
