// Package db embeds the PostgreSQL schema for the checkout service.
package db

import _ "embed"

// Schema contains the idempotent DDL for vouchers, stock, orders, the
// confirmation log and the event outbox.
//
//go:embed migrations/001_schema.sql
var Schema string
