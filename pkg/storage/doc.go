/*
Package storage keeps the fixture journal in a bbolt database.

Every archive a run writes is recorded with its size, SHA-256 digest, the run
id and the generation time, so `bwcgen history` can show when each fixture
was last rebuilt and a changed checksum can be spotted in review.

	┌──────────── JOURNAL (bbolt) ────────────┐
	│                                          │
	│  bucket "fixtures"                       │
	│    key:   version ("2.3.4")              │
	│    value: JSON Record                    │
	│      {version, archive, size_bytes,      │
	│       sha256, run_id, generated_at}      │
	│                                          │
	└──────────────────────────────────────────┘

A version has at most one record; regenerating it replaces the previous
entry. ListRecords returns records in version order, not insertion order.

The journal is optional. Without --journal no database is opened and the
workflow skips recording.

bbolt takes an exclusive file lock, so a second bwcgen pointed at the same
journal fails to open it after a one second timeout instead of blocking.
*/
package storage
