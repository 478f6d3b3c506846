// Package fetcher defines the RangedFetcher contract CachedFile consumes
// (spec.md §4.3) plus an HTTP implementation and an in-memory mock used by
// the cache/messagesource test suites.
package fetcher

import "context"

// Info describes an opened remote file.
type Info struct {
	Size int64
	// Identifier is the strongest available of {etag, last-modified, none}.
	Identifier string
}

// Stream is a cancellable byte stream for one ranged fetch. Next blocks
// until the next chunk arrives, returning io.EOF when the stream ends
// normally. Destroy is idempotent and must stop network traffic and
// prevent any further chunk delivery; once Destroy returns, Next must
// return promptly (with an error) if called again.
type Stream interface {
	Next() ([]byte, error)
	Destroy()
}

// RangedFetcher opens a remote file and serves ranged reads against it.
type RangedFetcher interface {
	// Open reports the remote's size and stable identifier. It fails if
	// the remote does not advertise Accept-Ranges: bytes, if the status
	// is not success, or if no content length is reported.
	Open(ctx context.Context) (Info, error)

	// Fetch returns a stream for [offset, offset+length).
	Fetch(ctx context.Context, offset, length int64) (Stream, error)
}
