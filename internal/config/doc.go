// Package config loads and validates the gateway configuration.
//
// Configuration is a single YAML file. ${VAR} and ${VAR:-default}
// references are replaced with environment values before parsing, and
// "$$" produces a literal dollar sign. After defaults are applied the
// file is validated structurally with struct tags and then semantically:
// every route must name a configured upstream and no two routes may share
// a pattern.
//
// Watcher reloads the file on change. A reload that fails to parse or
// validate is logged and discarded, leaving the previous configuration in
// effect.
package config
