// Package storage is the persistence layer shared by the writer and plugins.
//
// A Store holds three things:
//   - byte values addressed by bucket and key
//   - named string sets (blocklists, seen-hosts, ...)
//   - an append-only failure log written by the writer
//
// Every backend is safe for concurrent use. Plugins that share state go
// through a Store instead of their own locks.
package storage
