// Package redis holds the Redis-backed market data cache used in front of
// slow or rate-limited price feeds.
package redis
