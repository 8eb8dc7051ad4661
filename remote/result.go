package remote

import (
	"fmt"

	"github.com/wolfeidau/build-cache/wire"
)

// Kind classifies a fetch result.
type Kind int

const (
	Miss Kind = iota
	Hit
	Error
)

func (k Kind) String() string {
	switch k {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of a fetch. Remote failures are reported here rather
// than returned as errors so a build never aborts because the cache is
// unavailable.
type Result struct {
	Kind Kind

	// Metadata and BytesWritten are set for a Hit.
	Metadata     *wire.ArtifactMetadata
	BytesWritten int64

	// Message describes an Error. Err wraps one of the buildcache error
	// sentinels.
	Message string
	Err     error
}

func hit(md *wire.ArtifactMetadata, n int64) Result {
	return Result{Kind: Hit, Metadata: md, BytesWritten: n}
}

func miss() Result {
	return Result{Kind: Miss}
}

func failed(err error) Result {
	return Result{Kind: Error, Message: err.Error(), Err: err}
}

func (r Result) String() string {
	switch r.Kind {
	case Hit:
		return fmt.Sprintf("hit (%d bytes)", r.BytesWritten)
	case Error:
		return "error: " + r.Message
	default:
		return r.Kind.String()
	}
}
