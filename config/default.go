// Package config embeds the default device configuration.
package config

import _ "embed"

// Default holds the built-in conf.yaml used as the base layer.
//
//go:embed conf.default.yaml
var Default []byte
