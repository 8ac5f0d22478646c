// Package config loads the relay and client settings.
//
// A Loader starts from built-in defaults, merges each configured file layer
// in order (JSON, or YAML for .yaml/.yml files), then applies ANCHORWATCH_*
// environment overrides and optionally validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("relay.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.LoadRelay()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations are written as Go duration strings ("30s", "1m30s") or as whole
// days ("2d"). Files are read through the same guarded reader for every
// layer: regular files only, bounded in size and nesting depth.
package config
