// Package config loads the labctrl server configuration.
//
// A Loader starts from Defaults, deep-merges each JSON or YAML layer on top
// (later layers win, lists are replaced), then applies LABCTRL_* environment
// overrides such as LABCTRL_SERVER_ADDR or LABCTRL_AUTH_SECRET:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/labctrl/base.yaml")
//	loader.AddLayer("site.json")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations accept Go duration strings ("30ms") or nanosecond numbers.
package config
