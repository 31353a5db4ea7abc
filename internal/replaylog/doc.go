// Package replaylog implements the append-only binary recording of one
// run's interleaved stdout/stderr, and the readers that reproduce it.
//
// On-disk format: a sequence of frames, each
//
//	[1-byte stream tag][4-byte big-endian payload length][payload]
//
// Tag 1 is stdout, tag 2 is stderr; any other tag is read back as
// stdout so a newer writer never breaks an older reader.
//
// # Writer discipline
//
// A log is created in exclusive mode and appended to by exactly one
// producer; each Append is a single write(2) of header+payload so a
// concurrent tailer never observes a torn header. Once the producer
// closes the file it is immutable.
//
// # Reader discipline
//
// Full replay (Replay) reads frames to EOF. A short header, truncated
// payload, or a length beyond the sanity ceiling ends replay early
// without error: a truncated recording is "replay what we safely can",
// and exit-code resolution comes from the result store, not the log.
//
// Live tailing (Tailer) keeps a cursor and only ever surfaces complete
// frames; the caller decides when to poll and when following should
// stop (result published, or producer provably gone).
package replaylog
