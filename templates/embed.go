// Package templates embeds the default configuration and the role prompts
// handed to the agent executor.
package templates

import "embed"

//go:embed config.yaml prompts
var FS embed.FS
