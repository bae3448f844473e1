// Package templates embeds the default files written by `foreman init`.
package templates

import "embed"

//go:embed config.yaml foreman.md
var FS embed.FS
