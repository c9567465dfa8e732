// Package types defines the collection row records, change summaries,
// payloads, media change entries, the Peer protocol interface, configuration
// and the error taxonomy shared by every decksync component.
//
// The package holds no behaviour beyond small helpers on the records
// themselves (tag set handling, validation); storage lives in
// internal/sqlite and reconciliation in internal/reconcile.
package types
