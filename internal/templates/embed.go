// Package templates provides the task template and model catalogs plus the
// role system prompts, embedded with filesystem override support.
package templates

import "embed"

//go:embed catalog/*.yaml roles/*.md
var embeddedFS embed.FS
