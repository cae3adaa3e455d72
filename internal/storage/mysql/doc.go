// Package mysql provides the MySQL connection pool, embedded schema
// migrations and the vault repository. The intent task store shares the
// same pool and migrations.
package mysql
