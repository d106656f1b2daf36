package transport

import (
	"bytes"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"
)

// fieldWriter appends protowire fields. Zero values are omitted, so absent
// fields decode to their zero value.
type fieldWriter struct {
	b []byte
}

func (w *fieldWriter) uint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.VarintType)
	w.b = protowire.AppendVarint(w.b, v)
}

func (w *fieldWriter) int(num protowire.Number, v int64) {
	w.uint(num, protowire.EncodeZigZag(v))
}

func (w *fieldWriter) bool(num protowire.Number, v bool) {
	if v {
		w.uint(num, 1)
	}
}

func (w *fieldWriter) fixed64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.Fixed64Type)
	w.b = protowire.AppendFixed64(w.b, v)
}

func (w *fieldWriter) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, v)
}

func (w *fieldWriter) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendString(w.b, v)
}

func (w *fieldWriter) addr(num protowire.Number, a netip.AddrPort) {
	if !a.IsValid() {
		return
	}
	enc, err := a.MarshalBinary()
	if err != nil {
		return
	}
	w.bytes(num, enc)
}

// message appends a nested message, even when empty.
func (w *fieldWriter) message(num protowire.Number, fields []byte) {
	w.b = protowire.AppendTag(w.b, num, protowire.BytesType)
	w.b = protowire.AppendBytes(w.b, fields)
}

// field is one decoded protowire field.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	fixed  uint64
	raw    []byte
}

// fieldReader converts fields to typed values, remembering the first type
// mismatch.
type fieldReader struct {
	err error
}

func (r *fieldReader) mismatch(f field, want protowire.Type) {
	if r.err == nil {
		r.err = fmt.Errorf("field %d: wire type %d, want %d", f.num, f.typ, want)
	}
}

func (r *fieldReader) uint(f field) uint64 {
	if f.typ != protowire.VarintType {
		r.mismatch(f, protowire.VarintType)
		return 0
	}
	return f.varint
}

func (r *fieldReader) uint32(f field) uint32 {
	v := r.uint(f)
	if v > 0xFFFFFFFF && r.err == nil {
		r.err = fmt.Errorf("field %d: value %d overflows uint32", f.num, v)
	}
	return uint32(v)
}

func (r *fieldReader) int32(f field) int32 {
	v := protowire.DecodeZigZag(r.uint(f))
	if (v < -1<<31 || v > 1<<31-1) && r.err == nil {
		r.err = fmt.Errorf("field %d: value %d overflows int32", f.num, v)
	}
	return int32(v)
}

func (r *fieldReader) bool(f field) bool {
	return r.uint(f) != 0
}

func (r *fieldReader) fixed64(f field) uint64 {
	if f.typ != protowire.Fixed64Type {
		r.mismatch(f, protowire.Fixed64Type)
		return 0
	}
	return f.fixed
}

// bytes returns a private copy; the datagram buffer belongs to the caller.
func (r *fieldReader) bytes(f field) []byte {
	if f.typ != protowire.BytesType {
		r.mismatch(f, protowire.BytesType)
		return nil
	}
	return bytes.Clone(f.raw)
}

func (r *fieldReader) string(f field) string {
	if f.typ != protowire.BytesType {
		r.mismatch(f, protowire.BytesType)
		return ""
	}
	return string(f.raw)
}

func (r *fieldReader) addr(f field) netip.AddrPort {
	if f.typ != protowire.BytesType {
		r.mismatch(f, protowire.BytesType)
		return netip.AddrPort{}
	}
	var a netip.AddrPort
	if err := a.UnmarshalBinary(f.raw); err != nil && r.err == nil {
		r.err = fmt.Errorf("field %d: %w", f.num, err)
	}
	return a
}

// nested returns the raw bytes of a nested message without copying.
func (r *fieldReader) nested(f field) []byte {
	if f.typ != protowire.BytesType {
		r.mismatch(f, protowire.BytesType)
		return nil
	}
	return f.raw
}

// walkFields decodes every field of b and hands it to visit. Unknown field
// numbers are the visitor's business; groups are skipped.
func walkFields(b []byte, visit func(f field)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.fixed = uint64(v)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		visit(f)
	}
	return nil
}
