// Package kv is the key-value storage behind the hotlist fingerprint
// database. Keys are segment paths joined with ':'. Badger backs the store on
// disk; Memory serves tests and throwaway databases.
package kv
