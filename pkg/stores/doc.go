// Package stores persists plans, run records, run events and the last applied
// model of every application environment.
//
// SQLiteStore implements engine.Store on top of modernc.org/sqlite with
// embedded golang-migrate migrations. Plan artifacts and applied models are
// stored through an ArtifactCodec: deterministic CBOR, zstd compression and,
// when a passphrase is configured, XChaCha20-Poly1305 sealing under an
// Argon2id-derived key.
package stores
