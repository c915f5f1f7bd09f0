// Package search houses the backend engine abstractions shared by the
// tool layer: the engine contract, document and mapping value types, the
// seed corpus configuration, and the reference tool set exposed over the
// MCP transport. Concrete drivers live in the memindex and eshttp
// subpackages so the daemon can serve either a local corpus or a remote
// Elasticsearch compatible cluster through the same tools.
package search
