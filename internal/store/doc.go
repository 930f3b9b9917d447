// Package store defines the persistence contract for scrape run progress.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
