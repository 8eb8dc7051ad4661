// Package wire defines the hybrid envelope protocol spoken between the
// remote cache client and server.
//
// A message is a length-prefixed header followed by raw payload bytes:
//
//	HDRLEN (uint32 big-endian) | HDRBYTES | PAYLOAD 0 | PAYLOAD 1 | ...
//
// The header is a Request or Response encoded with the codec named by the
// X-Cache-Encoding HTTP header. Each payload's length is declared in the
// header, in order.
package wire

import (
	"fmt"

	buildcache "github.com/wolfeidau/build-cache"
)

const (
	// ContentType is the HTTP content type of hybrid messages.
	ContentType = "application/x-buildcache-hybrid"

	// EncodingHeader names the header encoding of a hybrid message.
	EncodingHeader = "X-Cache-Encoding"
)

// RequestType selects the operation of a request envelope.
type RequestType int32

const (
	RequestUnknown RequestType = 0
	RequestFetch   RequestType = 100
	RequestStore   RequestType = 101
)

func (t RequestType) String() string {
	switch t {
	case RequestFetch:
		return "FETCH"
	case RequestStore:
		return "STORE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t RequestType) MarshalText() ([]byte, error) {
	switch t {
	case RequestFetch, RequestStore:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("%w: unknown request type %d", buildcache.ErrProtocol, int32(t))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *RequestType) UnmarshalText(text []byte) error {
	switch string(text) {
	case "FETCH":
		*t = RequestFetch
	case "STORE":
		*t = RequestStore
	default:
		return fmt.Errorf("%w: unknown request type %q", buildcache.ErrProtocol, text)
	}
	return nil
}

// ArtifactMetadata describes a stored artifact.
type ArtifactMetadata struct {
	Target          string            `json:"target,omitempty"`
	Repository      string            `json:"repository,omitempty"`
	SatisfiedKeys   []string          `json:"satisfiedKeys"`
	Tags            map[string]string `json:"tags,omitempty"`
	PayloadChecksum string            `json:"payloadChecksum"`
}

// PayloadInfo declares the length of one payload following the header.
type PayloadInfo struct {
	SizeBytes int64 `json:"sizeBytes"`
}

type FetchRequest struct {
	RuleKey string `json:"ruleKey"`
}

type StoreRequest struct {
	Metadata *ArtifactMetadata `json:"metadata"`
}

// Request is the header of a client message.
type Request struct {
	Type         RequestType   `json:"type"`
	FetchRequest *FetchRequest `json:"fetchRequest,omitempty"`
	StoreRequest *StoreRequest `json:"storeRequest,omitempty"`
	Payloads     []PayloadInfo `json:"payloads,omitempty"`
}

type FetchResponse struct {
	ArtifactExists bool              `json:"artifactExists"`
	Metadata       *ArtifactMetadata `json:"metadata,omitempty"`
}

// Response is the header of a server message.
type Response struct {
	WasSuccessful bool           `json:"wasSuccessful"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
	FetchResponse *FetchResponse `json:"fetchResponse,omitempty"`
	Payloads      []PayloadInfo  `json:"payloads,omitempty"`
}

// NewFetchRequest returns a fetch envelope for key.
func NewFetchRequest(key string) *Request {
	return &Request{
		Type:         RequestFetch,
		FetchRequest: &FetchRequest{RuleKey: key},
	}
}

// NewStoreRequest returns a store envelope for a single payload of size bytes.
func NewStoreRequest(md *ArtifactMetadata, size int64) *Request {
	return &Request{
		Type:         RequestStore,
		StoreRequest: &StoreRequest{Metadata: md},
		Payloads:     []PayloadInfo{{SizeBytes: size}},
	}
}

// PayloadBytes returns the total declared payload length.
func PayloadBytes(payloads []PayloadInfo) int64 {
	var n int64
	for _, p := range payloads {
		n += p.SizeBytes
	}
	return n
}

// Validate checks that the request carries the fields its type requires.
func (r *Request) Validate() error {
	if err := validatePayloads(r.Payloads); err != nil {
		return err
	}
	switch r.Type {
	case RequestFetch:
		if r.FetchRequest == nil || r.FetchRequest.RuleKey == "" {
			return fmt.Errorf("%w: fetch request without rule key", buildcache.ErrProtocol)
		}
		if len(r.Payloads) != 0 {
			return fmt.Errorf("%w: fetch request declares %d payloads", buildcache.ErrProtocol, len(r.Payloads))
		}
	case RequestStore:
		if r.StoreRequest == nil || r.StoreRequest.Metadata == nil {
			return fmt.Errorf("%w: store request without metadata", buildcache.ErrProtocol)
		}
		md := r.StoreRequest.Metadata
		if len(md.SatisfiedKeys) == 0 {
			return fmt.Errorf("%w: store request satisfies no keys", buildcache.ErrProtocol)
		}
		if md.PayloadChecksum == "" {
			return fmt.Errorf("%w: store request without payload checksum", buildcache.ErrProtocol)
		}
		if len(r.Payloads) != 1 {
			return fmt.Errorf("%w: store request declares %d payloads, want 1", buildcache.ErrProtocol, len(r.Payloads))
		}
	default:
		return fmt.Errorf("%w: unknown request type %d", buildcache.ErrProtocol, int32(r.Type))
	}
	return nil
}

// Validate checks the response is internally consistent.
func (r *Response) Validate() error {
	if err := validatePayloads(r.Payloads); err != nil {
		return err
	}
	if fr := r.FetchResponse; fr != nil && fr.ArtifactExists {
		if fr.Metadata == nil {
			return fmt.Errorf("%w: fetch hit without metadata", buildcache.ErrProtocol)
		}
		if len(r.Payloads) != 1 {
			return fmt.Errorf("%w: fetch hit declares %d payloads, want 1", buildcache.ErrProtocol, len(r.Payloads))
		}
	}
	return nil
}

func validatePayloads(payloads []PayloadInfo) error {
	for i, p := range payloads {
		if p.SizeBytes < 0 {
			return fmt.Errorf("%w: payload %d has negative size %d", buildcache.ErrProtocol, i, p.SizeBytes)
		}
	}
	return nil
}
