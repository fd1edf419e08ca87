package bson

import (
	"encoding/binary"
	"math"

	"github.com/polodb/polodb-go/dberr"
)

// Document is an ordered mapping from string keys to Values (§3). The
// engine never produces duplicate keys. Encode always places "_id" first
// regardless of insertion order, then the remaining keys in the order they
// were Set, terminated by a zero byte — mirroring the teacher's
// name-length-prefixed field encoding (storage/document.go) generalized to
// Value instead of a fixed Go interface{} union.
type Document struct {
	keys   []string
	values map[string]Value
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{values: make(map[string]Value)}
}

// Set inserts or overwrites a field, preserving first-insertion order.
func (d *Document) Set(key string, v Value) {
	if _, exists := d.values[key]; !exists {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
}

// Get returns a field's value and whether it was present.
func (d *Document) Get(key string) (Value, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Delete removes a field, if present.
func (d *Document) Delete(key string) {
	if _, ok := d.values[key]; !ok {
		return
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the document's keys in insertion order (not _id-first — that
// reordering only happens at Encode time, per §3).
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of fields.
func (d *Document) Len() int { return len(d.keys) }

// PrimaryKey returns the "_id" field, if set.
func (d *Document) PrimaryKey() (Value, bool) {
	return d.Get("_id")
}

// Clone returns a deep-enough copy: top-level fields are copied, nested
// documents are cloned recursively, arrays are copied by reference to their
// element slice header (values themselves are immutable once built, §9).
func (d *Document) Clone() *Document {
	out := NewDocument()
	for _, k := range d.keys {
		v := d.values[k]
		if v.typ == TypeDocument && v.doc != nil {
			v = DocumentValue(v.doc.Clone())
		}
		out.Set(k, v)
	}
	return out
}

// orderedKeys returns _id first (if present) then the rest in insertion order.
func (d *Document) orderedKeys() []string {
	out := make([]string, 0, len(d.keys))
	hasID := false
	if _, ok := d.values["_id"]; ok {
		out = append(out, "_id")
		hasID = true
	}
	for _, k := range d.keys {
		if hasID && k == "_id" {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Encode serializes the document: for each key, [name_len:u16][name][type:u8][value],
// _id first, terminated by a zero-length name (the "zero byte" terminator of §3).
func (d *Document) Encode() ([]byte, error) {
	buf := make([]byte, 0, 128)
	for _, k := range d.orderedKeys() {
		v := d.values[k]
		buf = appendU16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = append(buf, byte(v.typ))
		var err error
		buf, err = encodeValue(buf, v)
		if err != nil {
			return nil, err
		}
	}
	buf = appendU16(buf, 0) // terminator: zero-length name
	return buf, nil
}

// Decode deserializes a document previously produced by Encode.
func Decode(data []byte) (*Document, error) {
	doc := NewDocument()
	off := 0
	for {
		if off+2 > len(data) {
			return nil, dberr.New(dberr.ParseError, "truncated document (name length)")
		}
		nameLen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if nameLen == 0 {
			return doc, nil
		}
		if off+nameLen+1 > len(data) {
			return nil, dberr.New(dberr.ParseError, "truncated document (name/type)")
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		typ := Type(data[off])
		off++
		v, n, err := decodeValue(typ, data[off:])
		if err != nil {
			return nil, err
		}
		off += n
		doc.Set(name, v)
	}
}

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func encodeValue(buf []byte, v Value) ([]byte, error) {
	switch v.typ {
	case TypeNull:
		return buf, nil
	case TypeBoolean:
		if v.AsBoolean() {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case TypeInt:
		return appendU64(buf, uint64(v.num)), nil
	case TypeDouble:
		return appendU64(buf, math.Float64bits(v.AsDouble())), nil
	case TypeString:
		s := v.str
		buf = appendU32(buf, uint32(len(s)))
		return append(buf, s...), nil
	case TypeObjectId:
		return append(buf, v.oid[:]...), nil
	case TypeBinary:
		buf = appendU32(buf, uint32(len(v.bin)))
		return append(buf, v.bin...), nil
	case TypeDocument:
		encoded, err := v.doc.Encode()
		if err != nil {
			return nil, err
		}
		buf = appendU32(buf, uint32(len(encoded)))
		return append(buf, encoded...), nil
	case TypeArray:
		var sub []byte
		sub = appendU16(sub, uint16(len(v.arr)))
		for _, elem := range v.arr {
			sub = append(sub, byte(elem.typ))
			var err error
			sub, err = encodeValue(sub, elem)
			if err != nil {
				return nil, err
			}
		}
		buf = appendU32(buf, uint32(len(sub)))
		return append(buf, sub...), nil
	default:
		return nil, dberr.Newf(dberr.ParseError, "unknown value type %d", v.typ)
	}
}

func decodeValue(t Type, data []byte) (Value, int, error) {
	switch t {
	case TypeNull:
		return Null(), 0, nil
	case TypeBoolean:
		if len(data) < 1 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated bool")
		}
		return Boolean(data[0] != 0), 1, nil
	case TypeInt:
		if len(data) < 8 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated int")
		}
		return Int(int64(binary.BigEndian.Uint64(data))), 8, nil
	case TypeDouble:
		if len(data) < 8 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated double")
		}
		return Double(math.Float64frombits(binary.BigEndian.Uint64(data))), 8, nil
	case TypeString:
		if len(data) < 4 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated string length")
		}
		slen := int(binary.BigEndian.Uint32(data))
		if len(data) < 4+slen {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated string")
		}
		return String(string(data[4 : 4+slen])), 4 + slen, nil
	case TypeObjectId:
		if len(data) < 12 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated objectid")
		}
		var id ObjectId
		copy(id[:], data[:12])
		return ObjectIdValue(id), 12, nil
	case TypeBinary:
		if len(data) < 4 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated binary length")
		}
		blen := int(binary.BigEndian.Uint32(data))
		if len(data) < 4+blen {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated binary")
		}
		b := make([]byte, blen)
		copy(b, data[4:4+blen])
		return Binary(b), 4 + blen, nil
	case TypeDocument:
		if len(data) < 4 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated document length")
		}
		dlen := int(binary.BigEndian.Uint32(data))
		if len(data) < 4+dlen {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated document")
		}
		sub, err := Decode(data[4 : 4+dlen])
		if err != nil {
			return Value{}, 0, err
		}
		return DocumentValue(sub), 4 + dlen, nil
	case TypeArray:
		if len(data) < 4 {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated array length")
		}
		alen := int(binary.BigEndian.Uint32(data))
		if len(data) < 4+alen {
			return Value{}, 0, dberr.New(dberr.ParseError, "truncated array")
		}
		arrData := data[4 : 4+alen]
		if len(arrData) < 2 {
			return Array(nil), 4 + alen, nil
		}
		count := int(binary.BigEndian.Uint16(arrData))
		off := 2
		items := make([]Value, 0, count)
		for i := 0; i < count; i++ {
			if off >= len(arrData) {
				return Value{}, 0, dberr.New(dberr.ParseError, "truncated array element")
			}
			et := Type(arrData[off])
			off++
			ev, n, err := decodeValue(et, arrData[off:])
			if err != nil {
				return Value{}, 0, err
			}
			off += n
			items = append(items, ev)
		}
		return Array(items), 4 + alen, nil
	default:
		return Value{}, 0, dberr.Newf(dberr.ParseError, "unknown value type %d", t)
	}
}
