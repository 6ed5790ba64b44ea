/*
Package config provides layered configuration for the export pipeline.

Settings are resolved in precedence order:

 1. Environment variables (CELLENGINE_EXT_*, AWS_*, CELLENGINE_API_TOKEN)
 2. A YAML configuration file
 3. Compiled-in defaults

Credentials (the API token and the object-store keys) are only ever read
from the environment and are never marshalled back into a file.

Typical usage:

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("config.yaml"); err != nil { ... }
	if err := cfg.LoadFromEnv(); err != nil { ... }
	if err := cfg.Validate(); err != nil { ... }
*/
package config
