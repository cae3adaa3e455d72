// Package config loads the AgentVault daemon configuration from a YAML
// file, resolves relative paths against the file's directory and fills in
// defaults for every section.
package config
