// Package stores provides the local replica for froyosync.
// It includes a SQLite-based store with WAL mode and embedded migrations
// that keeps the synchronized objects, the local change log and the
// device identity in one database.
package stores
