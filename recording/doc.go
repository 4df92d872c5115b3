// Package recording provides durable capture of processed audio streams.
//
// A Sink accepts ordered PCM appends from the ingest path without blocking
// it, spooling raw bytes to disk through a bounded queue. Finalization
// converts the spool into a WAV file with correct headers, computes the
// duration from the byte count, and produces a Recording record for the
// metadata store.
//
// The Store persists Recording metadata in SQLite and backs the catalog
// endpoints: listing by session, lookup and deletion by filename, and bulk
// per-session cleanup on disconnect.
//
// Lifecycle:
//
//	sink, _ := recording.NewSink(dir, sessionID, 44100, 2, settings)
//	sink.Append(pcm)            // per processed frame, ordered
//	rec, err := sink.Finalize() // stop_record or session teardown
//	store.Insert(ctx, rec)
package recording
