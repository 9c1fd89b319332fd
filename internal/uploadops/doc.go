// Package uploadops drives file uploads through the tus engine. It owns the
// glue between a local file and a tus.Client: fingerprinting, the SQLite
// store that remembers upload URLs across runs, and TransferManager, which
// retries failed windows from the server's authoritative offset.
package uploadops
