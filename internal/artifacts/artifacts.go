// Package artifacts embeds the files the daemon writes on first start.
package artifacts

import _ "embed"

// GlobalSettings is the default settings.yaml.
//
//go:embed global/settings.yaml
var GlobalSettings []byte
