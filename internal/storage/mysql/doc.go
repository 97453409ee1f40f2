// Package mysql implements the storage.Store contract on top of MySQL. It owns
// connection pooling, embedded schema migrations and the queries backing the
// contact book, per-wallet limits and the transaction log.
package mysql
