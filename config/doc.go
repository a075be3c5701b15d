// Package config provides YAML configuration loading for the transfer
// binaries.
//
// Configuration comes from a single file named by the --config flag or the
// BATCHXFER_CONFIG environment variable. Unlike a service config the file
// is optional: with neither set, [Default] is used as is. Command-line
// flags that were set explicitly override file values; nothing else does.
//
// Both ends of a deployment must agree on protocol_version, the algorithm
// names under transform, and the key material. The file is the natural
// place to keep those in sync.
//
// ${VAR} references in path fields are expanded after loading.
//
// Key exports:
//
//   - [Config] -- the file format
//   - [Default] -- a Config with working defaults
//   - [Load] and [LoadFile] -- the entry points for loading
//   - [Config.Pipeline], [Config.KeyProvider], [Config.Store] -- builders
//     turning the configuration into the collaborators the transfer core
//     expects
package config
