/*
Package config loads ingestguard's runtime settings.

# Documents

Config wraps a decoded YAML or JSON document and exposes typed accessors that
fall back to a default on a missing key or a type mismatch:

	cfg, err := config.FromFile("ingestguard.yaml")
	if err != nil {
	    return err
	}
	cooldown := cfg.Section("circuit").Duration("cooldown", time.Minute)

Durations accept a time.ParseDuration string or a number of seconds.

# Settings

LoadSettings layers three sources, later ones winning:

 1. Defaults()
 2. the config file, if a path is given
 3. INGESTGUARD_* environment variables (a .env file is loaded first)

An example file:

	listen_addr: ":8080"
	store_dsn: "postgres://ingest@db/ingest"
	log_format: json
	cors_origins: ["https://app.example.com"]
	circuit:
	  failure_threshold: 5
	  cooldown: 60s
	rate_limit:
	  limit: 600
	  window: 1m
	worker:
	  batch_size: 25
	  stale_after: 15m

The result is validated before it is returned.
*/
package config
