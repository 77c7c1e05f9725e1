package archive

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf manifest encoding.
const (
	fieldPlatform  protowire.Number = 1
	fieldOSVersion protowire.Number = 2
	fieldFeed      protowire.Number = 3
	fieldTarget    protowire.Number = 4
	fieldMetadata  protowire.Number = 5

	fieldSpecName     protowire.Number = 1
	fieldSpecShape    protowire.Number = 2
	fieldSpecDataType protowire.Number = 3

	fieldMetaVersion   protowire.Number = 1
	fieldMetaFramework protowire.Number = 2
	fieldMetaCreatedAt protowire.Number = 3
)

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func encodeSpec(s TensorSpec) []byte {
	var b []byte
	b = appendString(b, fieldSpecName, s.Name)
	// Shape is packed and written even when empty so a scalar stays
	// distinct from an unranked tensor.
	var packed []byte
	for _, d := range s.Shape {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(d)))
	}
	if s.Shape != nil {
		b = appendMessage(b, fieldSpecShape, packed)
	}
	return appendVarint(b, fieldSpecDataType, uint64(s.DataType))
}

func encodeManifest(m *Manifest) []byte {
	var b []byte
	b = appendString(b, fieldPlatform, m.Platform)
	b = appendString(b, fieldOSVersion, m.OSVersion)
	for _, f := range m.Feeds {
		b = appendMessage(b, fieldFeed, encodeSpec(f))
	}
	for _, t := range m.Targets {
		b = appendMessage(b, fieldTarget, encodeSpec(t))
	}
	var meta []byte
	meta = appendString(meta, fieldMetaVersion, m.Metadata.Version)
	meta = appendString(meta, fieldMetaFramework, m.Metadata.Framework)
	if !m.Metadata.CreatedAt.IsZero() {
		meta = appendVarint(meta, fieldMetaCreatedAt, uint64(m.Metadata.CreatedAt.UnixNano()))
	}
	return appendMessage(b, fieldMetadata, meta)
}

// walk calls fn for every field in b. fn returns how many bytes of the
// value it consumed, or a negative protowire error code.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n = fn(num, typ, b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

// skip consumes a field nothing recognised, so newer manifests still load.
func skip(num protowire.Number, typ protowire.Type, b []byte) int {
	return protowire.ConsumeFieldValue(num, typ, b)
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, bool) {
	if typ != protowire.BytesType {
		return 0, false
	}
	s, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = s
	}
	return n, true
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, bool) {
	if typ != protowire.VarintType {
		return 0, false
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n, true
}

func decodeSpec(b []byte) (TensorSpec, error) {
	var s TensorSpec
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldSpecName:
			if n, ok := consumeString(typ, b, &s.Name); ok {
				return n
			}
		case fieldSpecShape:
			if typ != protowire.BytesType {
				break
			}
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			s.Shape = []int{}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return m
				}
				s.Shape = append(s.Shape, int(protowire.DecodeZigZag(v)))
				packed = packed[m:]
			}
			return n
		case fieldSpecDataType:
			var v uint64
			if n, ok := consumeVarint(typ, b, &v); ok {
				s.DataType = uint32(v)
				return n
			}
		}
		return skip(num, typ, b)
	})
	return s, err
}

func decodeMetadata(b []byte, m *Metadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldMetaVersion:
			if n, ok := consumeString(typ, b, &m.Version); ok {
				return n
			}
		case fieldMetaFramework:
			if n, ok := consumeString(typ, b, &m.Framework); ok {
				return n
			}
		case fieldMetaCreatedAt:
			var v uint64
			if n, ok := consumeVarint(typ, b, &v); ok {
				m.CreatedAt = time.Unix(0, int64(v)).UTC()
				return n
			}
		}
		return skip(num, typ, b)
	})
}

func decodeManifest(b []byte, m *Manifest) error {
	var nested error
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case fieldPlatform:
			if n, ok := consumeString(typ, b, &m.Platform); ok {
				return n
			}
		case fieldOSVersion:
			if n, ok := consumeString(typ, b, &m.OSVersion); ok {
				return n
			}
		case fieldFeed, fieldTarget, fieldMetadata:
			if typ != protowire.BytesType {
				break
			}
			msg, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			switch num {
			case fieldMetadata:
				nested = decodeMetadata(msg, &m.Metadata)
			default:
				spec, err := decodeSpec(msg)
				if err != nil {
					nested = err
					break
				}
				if num == fieldFeed {
					m.Feeds = append(m.Feeds, spec)
				} else {
					m.Targets = append(m.Targets, spec)
				}
			}
			if nested != nil {
				return -1
			}
			return n
		}
		return skip(num, typ, b)
	})
	if nested != nil {
		return fmt.Errorf("nested message: %w", nested)
	}
	return err
}
