// Package crawler defines the shared vocabulary of the harvester: track
// identities, feature records, queue entries, the source error taxonomy and
// the retry policy reused by the resolver, the harvesters and the writers.
package crawler
