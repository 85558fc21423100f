/*
Package ingestguard is a reliability layer for asynchronous event ingestion.

# Overview

Events arrive over HTTP, are deduplicated, rate limited, validated and
queued. Workers claim queued items and deliver them downstream through a
retry executor wrapped in a circuit breaker. Failures are parked as dead
letters and redriven later.

All coordination state lives in a shared store (SQLite, Postgres or memory),
so any number of processes can serve the API and run workers against the
same database.

# Packages

  - store: persistence for keys, samples, circuits, queue items and dead letters
  - idempotency: the at-most-once guard keyed by (tenant, provider, external id)
  - ratelimit: sliding-window per-tenant limiter
  - circuit: three-state breaker persisted per service
  - errors: error kinds, categorization and the retry executor
  - remote: breaker-plus-retry calls to downstream HTTP services
  - ingest: the gateway that turns requests into queue items
  - queue: the worker, processors and background poller
  - deadletter: quarantine and redrive
  - httpapi: the chi router
  - config: settings loading

# Usage

App wires everything from Settings:

	settings, err := config.LoadSettings("ingestguard.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	app, err := ingestguard.New(ctx, settings)
	if err != nil {
	    log.Fatal(err)
	}
	defer app.Close()

	if err := app.Serve(ctx); err != nil {
	    log.Fatal(err)
	}

Serve runs the HTTP API along with the background worker, stale sweep and
redrive loops until ctx is cancelled.
*/
package ingestguard
