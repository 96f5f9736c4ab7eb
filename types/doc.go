// Package types defines the core data model shared by every component of
// the player-state synchronization engine: entity identifiers, state
// snapshots, live state bundles, write operations, and the error taxonomy.
package types
