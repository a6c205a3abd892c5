// Package config provides configuration loading and validation for the
// adblockradio analyser. Configuration is YAML, loaded over built-in defaults
// and validated section by section.
package config
