// Package config loads hivemind configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then HIVEMIND_* environment variables derived from the env struct
// tags. Workers declared under "workers" are registered by the hosting
// process at startup.
package config
