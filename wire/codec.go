package wire

import (
	"encoding/json"
	"fmt"

	buildcache "github.com/wolfeidau/build-cache"
)

// Encoding names a header codec.
type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingBinary Encoding = "binary"
)

// Codec encodes and decodes envelope headers.
type Codec interface {
	Encoding() Encoding
	MarshalRequest(*Request) ([]byte, error)
	UnmarshalRequest([]byte) (*Request, error)
	MarshalResponse(*Response) ([]byte, error)
	UnmarshalResponse([]byte) (*Response, error)
}

// CodecFor returns the codec for enc. An empty encoding selects JSON.
func CodecFor(enc Encoding) (Codec, error) {
	switch enc {
	case EncodingJSON, "":
		return JSONCodec{}, nil
	case EncodingBinary:
		return BinaryCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", buildcache.ErrProtocol, enc)
	}
}

// JSONCodec encodes headers as JSON.
type JSONCodec struct{}

func (JSONCodec) Encoding() Encoding { return EncodingJSON }

func (JSONCodec) MarshalRequest(r *Request) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONCodec) UnmarshalRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: decoding request: %w", buildcache.ErrProtocol, err)
	}
	return &r, nil
}

func (JSONCodec) MarshalResponse(r *Response) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONCodec) UnmarshalResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", buildcache.ErrProtocol, err)
	}
	return &r, nil
}
