// Package config loads the daemon's JSON configuration file and fills in
// defaults for everything the operator leaves out. Relative paths are
// resolved against the config file's directory.
package config
