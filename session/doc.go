// Package session ties one client connection to its audio processing,
// metering and recording resources.
//
// A Session owns the DSP engine, the optional recording sink and the
// outbound metering machinery for exactly one connection. Control
// messages (init, start_record, stop_record, set_params) and binary PCM
// frames are fed in by the connection's read loop; metering snapshots
// and recording notices flow back through channels sized so that a slow
// client can never stall ingestion.
//
// The Manager is the registry. It creates a Session per connection,
// refuses duplicate session ids, and on disconnect tears down the
// scheduler, force-finalizes any active recording and optionally removes
// the session's recordings from disk and catalog.
package session
