// Package config loads and validates the gateway configuration.
//
// Files may be JSON (comments and trailing commas allowed) or YAML, chosen by extension.
// Several files can be layered; later layers override earlier ones key by key, lists are
// replaced wholesale. Environment variables with the RUUVIGW_ prefix override a few
// deployment specific values last.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/ruuvigw/ruuvigw.yaml")
//	loader.AddLayer("/etc/ruuvigw/secrets.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Measurement definitions omitting round, delta or maxdelta inherit the package defaults;
// an explicit empty object disables them.
package config
