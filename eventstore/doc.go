// Package eventstore defines the resumable event log that backs server-sent
// event streams.
//
// Every outbound message bound for an SSE stream is appended to the stream's
// log before it is flushed to the live connection. Each event gets the next
// sequence number of its stream and an id of the form "<streamID>_<seq>";
// stream ids are ULIDs, so ids are unique and sort in creation order. A
// client that reconnects with a Last-Event-ID is served every later event of
// the same stream, in order, before anything new.
//
// Streams start in streaming mode, where readers wait for new events. A
// writer may switch a stream into polling mode, in which readers drain what
// is available and return ErrPolling so the connection can be released; the
// client polls again after the advertised retry interval. Sealing a stream
// ends it: readers drain and observe io.EOF.
//
// Two implementations ship with this module:
//
//   - memorystore: in-process, bounded and clock-driven; single instance only.
//   - redisstore: Redis Streams based; required when several instances serve
//     the same sessions.
//
// eventstoretest holds the conformance suite both implementations pass.
package eventstore
