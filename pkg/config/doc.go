// Package config loads and validates enginelink configuration.
//
// # Sources
//
// Values are layered, later sources winning:
//
//  1. built-in defaults
//  2. a YAML file (enginelink.yaml in the working directory, or --config)
//  3. ENGINELINK_* environment variables, with "__" separating nested keys
//     (ENGINELINK_CONNECT__TIMEOUT=30s sets connect.timeout)
//  4. command line flags that were explicitly set
//
// A dotenv file can be loaded into the process environment beforehand with
// LoadEnvFile, so that ambient ENGINE_SESSION_* variables and ENGINELINK_*
// overrides may live in a file.
//
// # Usage Example
//
//	cfg, err := config.Load("", cmd.Flags())
//	if err != nil {
//	    return err
//	}
//	policy := cfg.Connect.Policy()
package config
