// Package kv implements the remote key-value-backed Token Store and Session
// Store, write-through over a github.com/redis/go-redis/v9 client with an
// in-process memory cache as a fallback on remote errors.
package kv
