package wire

import (
	"fmt"
	"slices"

	buildcache "github.com/wolfeidau/build-cache"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary encoding. They are part of the wire format.
const (
	requestType    protowire.Number = 1
	requestFetch   protowire.Number = 2
	requestStore   protowire.Number = 3
	requestPayload protowire.Number = 4

	fetchRequestRuleKey protowire.Number = 1
	storeRequestMeta    protowire.Number = 1
	payloadSize         protowire.Number = 1

	responseSuccess protowire.Number = 1
	responseError   protowire.Number = 2
	responseFetch   protowire.Number = 3
	responsePayload protowire.Number = 4

	fetchResponseExists protowire.Number = 1
	fetchResponseMeta   protowire.Number = 2

	metaTarget     protowire.Number = 1
	metaRepository protowire.Number = 2
	metaKeys       protowire.Number = 3
	metaTags       protowire.Number = 4
	metaChecksum   protowire.Number = 5

	tagKey   protowire.Number = 1
	tagValue protowire.Number = 2
)

// BinaryCodec encodes headers in protobuf wire format. Unknown fields are
// skipped on decode. Map entries are written in key order so encoding is
// deterministic.
type BinaryCodec struct{}

func (BinaryCodec) Encoding() Encoding { return EncodingBinary }

func (BinaryCodec) MarshalRequest(r *Request) ([]byte, error) {
	var b []byte
	b = appendVarint(b, requestType, uint64(r.Type))
	if r.FetchRequest != nil {
		var m []byte
		m = appendString(m, fetchRequestRuleKey, r.FetchRequest.RuleKey)
		b = appendMessage(b, requestFetch, m)
	}
	if r.StoreRequest != nil {
		var m []byte
		if r.StoreRequest.Metadata != nil {
			m = appendMessage(m, storeRequestMeta, AppendMetadata(nil, r.StoreRequest.Metadata))
		}
		b = appendMessage(b, requestStore, m)
	}
	b = appendPayloads(b, requestPayload, r.Payloads)
	return b, nil
}

func (BinaryCodec) UnmarshalRequest(data []byte) (*Request, error) {
	r := &Request{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == requestType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Type = RequestType(int32(v))
			return n, nil
		case num == requestFetch && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			fr := &FetchRequest{}
			err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == fetchRequestRuleKey && typ == protowire.BytesType {
					s, n := protowire.ConsumeString(b)
					fr.RuleKey = s
					return n, nil
				}
				return skip(num, typ, b), nil
			})
			r.FetchRequest = fr
			return n, err
		case num == requestStore && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			sr := &StoreRequest{}
			err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num == storeRequestMeta && typ == protowire.BytesType {
					mb, n := protowire.ConsumeBytes(b)
					if n < 0 {
						return n, nil
					}
					md, err := ConsumeMetadata(mb)
					sr.Metadata = md
					return n, err
				}
				return skip(num, typ, b), nil
			})
			r.StoreRequest = sr
			return n, err
		case num == requestPayload && typ == protowire.BytesType:
			p, n, err := consumePayload(b)
			if err == nil && n > 0 {
				r.Payloads = append(r.Payloads, p)
			}
			return n, err
		}
		return skip(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decoding request: %w", buildcache.ErrProtocol, err)
	}
	return r, nil
}

func (BinaryCodec) MarshalResponse(r *Response) ([]byte, error) {
	var b []byte
	b = appendBool(b, responseSuccess, r.WasSuccessful)
	if r.ErrorMessage != "" {
		b = appendString(b, responseError, r.ErrorMessage)
	}
	if r.FetchResponse != nil {
		var m []byte
		m = appendBool(m, fetchResponseExists, r.FetchResponse.ArtifactExists)
		if r.FetchResponse.Metadata != nil {
			m = appendMessage(m, fetchResponseMeta, AppendMetadata(nil, r.FetchResponse.Metadata))
		}
		b = appendMessage(b, responseFetch, m)
	}
	b = appendPayloads(b, responsePayload, r.Payloads)
	return b, nil
}

func (BinaryCodec) UnmarshalResponse(data []byte) (*Response, error) {
	r := &Response{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == responseSuccess && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.WasSuccessful = protowire.DecodeBool(v)
			return n, nil
		case num == responseError && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			r.ErrorMessage = s
			return n, nil
		case num == responseFetch && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			fr := &FetchResponse{}
			err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch {
				case num == fetchResponseExists && typ == protowire.VarintType:
					v, n := protowire.ConsumeVarint(b)
					fr.ArtifactExists = protowire.DecodeBool(v)
					return n, nil
				case num == fetchResponseMeta && typ == protowire.BytesType:
					mb, n := protowire.ConsumeBytes(b)
					if n < 0 {
						return n, nil
					}
					md, err := ConsumeMetadata(mb)
					fr.Metadata = md
					return n, err
				}
				return skip(num, typ, b), nil
			})
			r.FetchResponse = fr
			return n, err
		case num == responsePayload && typ == protowire.BytesType:
			p, n, err := consumePayload(b)
			if err == nil && n > 0 {
				r.Payloads = append(r.Payloads, p)
			}
			return n, err
		}
		return skip(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", buildcache.ErrProtocol, err)
	}
	return r, nil
}

// AppendMetadata appends the binary encoding of md to b.
func AppendMetadata(b []byte, md *ArtifactMetadata) []byte {
	if md.Target != "" {
		b = appendString(b, metaTarget, md.Target)
	}
	if md.Repository != "" {
		b = appendString(b, metaRepository, md.Repository)
	}
	for _, k := range md.SatisfiedKeys {
		b = appendString(b, metaKeys, k)
	}
	keys := make([]string, 0, len(md.Tags))
	for k := range md.Tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, tagKey, k)
		entry = appendString(entry, tagValue, md.Tags[k])
		b = appendMessage(b, metaTags, entry)
	}
	if md.PayloadChecksum != "" {
		b = appendString(b, metaChecksum, md.PayloadChecksum)
	}
	return b
}

// ConsumeMetadata decodes metadata written by AppendMetadata.
func ConsumeMetadata(data []byte) (*ArtifactMetadata, error) {
	md := &ArtifactMetadata{}
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b), nil
		}
		switch num {
		case metaTarget:
			s, n := protowire.ConsumeString(b)
			md.Target = s
			return n, nil
		case metaRepository:
			s, n := protowire.ConsumeString(b)
			md.Repository = s
			return n, nil
		case metaKeys:
			s, n := protowire.ConsumeString(b)
			if n >= 0 {
				md.SatisfiedKeys = append(md.SatisfiedKeys, s)
			}
			return n, nil
		case metaTags:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var k, v string
			err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if typ == protowire.BytesType && (num == tagKey || num == tagValue) {
					s, n := protowire.ConsumeString(b)
					if num == tagKey {
						k = s
					} else {
						v = s
					}
					return n, nil
				}
				return skip(num, typ, b), nil
			})
			if md.Tags == nil {
				md.Tags = make(map[string]string)
			}
			md.Tags[k] = v
			return n, err
		case metaChecksum:
			s, n := protowire.ConsumeString(b)
			md.PayloadChecksum = s
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// consumeFields walks the fields of a message. fn consumes the value of one
// field from b and returns the number of bytes used, or a negative protowire
// error code.
func consumeFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) int {
	return protowire.ConsumeFieldValue(num, typ, b)
}

func consumePayload(b []byte) (PayloadInfo, int, error) {
	m, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return PayloadInfo{}, n, nil
	}
	var p PayloadInfo
	err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == payloadSize && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			p.SizeBytes = int64(v)
			return n, nil
		}
		return skip(num, typ, b), nil
	})
	return p, n, err
}

func appendPayloads(b []byte, num protowire.Number, payloads []PayloadInfo) []byte {
	for _, p := range payloads {
		var m []byte
		m = appendVarint(m, payloadSize, uint64(p.SizeBytes))
		b = appendMessage(b, num, m)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}
