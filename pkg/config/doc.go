/*
Package config resolves the server configuration through viper.

Settings come from command-line flags, LATZERO_* environment variables,
an optional config.yaml in the data directory, and built-in defaults, in
that precedence order. Load validates the result before the server sees
it.
*/
package config
