// Package stores provides the durable SQLite-backed job store for the
// intake pipeline.
package stores
