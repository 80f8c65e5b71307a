// Package config handles loading and validating megbridge configuration.
//
// This package manages:
//   - Loading an optional YAML configuration file
//   - Overriding with environment variables (the deployment's primary source)
//   - Validation of required credentials and intervals
//   - Default value handling
//
// Security Considerations:
//   - Vendor passwords, Firebase private keys and JWT secrets should be set via
//     environment variables, never committed in the YAML file
//   - FIREBASE_PRIVATE_KEY may contain escaped newlines ("\n"); they are restored
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("MEGBRIDGE_CONFIG"))
//	if errors.Is(err, config.ErrConfig) {
//	    // missing credentials: refuse to start
//	}
//	fmt.Println(cfg.PollInterval())
package config
