/*
Package config loads hubrelay host settings from YAML or JSON.

# Overview

Config wraps a decoded map[string]any and provides typed accessors that
return a default when a key is missing or holds the wrong type. Settings is
the typed view the host and the CLI are built from.

# Usage

	cfg, err := config.FromFile("hubrelay.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	settings, err := config.FromConfig(cfg)

A minimal file:

	max_fail_attempts: 3
	store:
	  driver: sqlite
	  path: /var/lib/hubrelay/events.db
	fabric:
	  driver: nats
	  url: nats://127.0.0.1:4222

Duration values accept "30s" style strings or plain numbers of seconds.
*/
package config
