// Package remote provides the remote replica connectors used by the sync
// engine.
//
// Three connectors are available:
//
//   - HubConnector talks to an in-memory Hub shared by several devices of one
//     process. It is used in tests and for local experiments.
//   - SFTPConnector keeps objects and per-device change entries as files on
//     an SFTP server reached over SSH. Other devices' changes are found by
//     polling.
//   - RedisConnector keeps them in Redis hashes and learns about other
//     devices' changes over pub/sub.
//
// Every connector keeps one change log per registered device. A Save or
// Remove marks the key Changed or Deleted for every other device and clears
// the writer's own entry, so a device is never notified of its own writes.
// MarkUnchanged clears only the caller's entry.
//
// Connectors run a session that reports Connecting, LoadingSession and Ready
// to the engine, and Disconnected when the connection is lost. Lost sessions
// are re-established with backoff. Ready always carries the device's full
// change log, so notifications missed while offline are recovered.
//
// When Options.Encryptor is set, payloads are encrypted before they are
// stored and decrypted on Load.
//
// Example:
//
//	hub := remote.NewHub()
//	conn, err := remote.NewHubConnector(hub, remote.Options{DeviceID: "laptop"})
//	if err != nil {
//		return err
//	}
//	eng, err := engine.New(engine.Options{DeviceID: "laptop", Local: store, Remote: conn, Merger: merger})
package remote
