// Package defaults provides an embedded copy of the default
// configuration file for the hearth init subcommand.
package defaults

import _ "embed"

//go:embed hearth.example.yaml
var ConfigYAML []byte
