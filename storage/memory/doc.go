// Package memory implements the reference in-memory Token Store and
// Session Store. It is the backend every other backend layers over: the
// file-backed store hydrates an in-memory store on construction and
// debounces writes back to disk, and the KV-backed store falls back to an
// in-memory cache on remote errors.
package memory
