// Package config loads database configurations from files.
//
// A file is YAML (.yaml, .yml) or JSON with comments (.json, .jsonc):
//
//	# app.yaml
//	path: data/app.db
//	schema_version: 3
//	modules: [default]
//	models_dir: models
//	auto_refresh: true
//	refresh_interval: 100ms
//
// Relative paths resolve against the directory of the config file. The key
// is given as hex, either inline or through an environment variable named
// by key_env. Schema returns the JSON Schema of the format.
package config
