// Package bson implements the value model of §3: a tagged union ordered
// only within a type, an ordered Document, and the 12-byte ObjectId.
// Byte-level BSON wire encoding is out of scope (§1); Encode/Decode here are
// this engine's own on-page representation, not the Mongo wire format.
package bson

import (
	"encoding/hex"
	"fmt"
	"math"

	"github.com/polodb/polodb-go/dberr"
)

// Type is the tag of a Value. Numeric values mirror the original PoloDB's
// ty_int constants (polodb_bson/value.rs) so the on-page key-type byte
// (§3 "B-tree node page") matches the system this was distilled from.
type Type byte

const (
	TypeNull     Type = 0x0A
	TypeDouble   Type = 0x01
	TypeBoolean  Type = 0x08
	TypeInt      Type = 0x16
	TypeString   Type = 0x02
	TypeObjectId Type = 0x07
	TypeArray    Type = 0x17
	TypeDocument Type = 0x13
	TypeBinary   Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "Null"
	case TypeDouble:
		return "Double"
	case TypeBoolean:
		return "Boolean"
	case TypeInt:
		return "Int"
	case TypeString:
		return "String"
	case TypeObjectId:
		return "ObjectId"
	case TypeArray:
		return "Array"
	case TypeDocument:
		return "Document"
	case TypeBinary:
		return "Binary"
	default:
		return "<unknown>"
	}
}

// Value is the tagged union of §3. The zero Value has type tag 0, which is
// no type at all (not TypeNull); Null() builds a Null value.
type Value struct {
	typ  Type
	num  int64       // Int, Boolean (0/1), Double (bits)
	str  string      // String
	oid  ObjectId     // ObjectId
	arr  []Value      // Array
	doc  *Document    // Document
	bin  []byte       // Binary
}

func Null() Value { return Value{typ: TypeNull} }

func Double(f float64) Value { return Value{typ: TypeDouble, num: int64(doubleBits(f))} }

func Boolean(b bool) Value {
	if b {
		return Value{typ: TypeBoolean, num: 1}
	}
	return Value{typ: TypeBoolean, num: 0}
}

func Int(i int64) Value { return Value{typ: TypeInt, num: i} }

func String(s string) Value { return Value{typ: TypeString, str: s} }

func ObjectIdValue(id ObjectId) Value { return Value{typ: TypeObjectId, oid: id} }

func Array(items []Value) Value { return Value{typ: TypeArray, arr: items} }

func DocumentValue(d *Document) Value { return Value{typ: TypeDocument, doc: d} }

func Binary(b []byte) Value { return Value{typ: TypeBinary, bin: b} }

func (v Value) Type() Type { return v.typ }

func (v Value) IsNull() bool { return v.typ == TypeNull }

func (v Value) AsDouble() float64 { return doubleFromBits(uint64(v.num)) }
func (v Value) AsBoolean() bool   { return v.num != 0 }
func (v Value) AsInt() int64      { return v.num }
func (v Value) AsString() string  { return v.str }
func (v Value) AsObjectId() ObjectId { return v.oid }
func (v Value) AsArray() []Value  { return v.arr }
func (v Value) AsDocument() *Document { return v.doc }
func (v Value) AsBinary() []byte  { return v.bin }

// IsValidKeyType reports whether v may be used as a B-tree key (§3).
func (v Value) IsValidKeyType() bool {
	switch v.typ {
	case TypeString, TypeInt, TypeObjectId, TypeBoolean:
		return true
	default:
		return false
	}
}

// Compare orders two values of the same type. Cross-type comparison fails
// with TypeNotComparable (§3); only the four key types plus Null/Double
// define an order.
func (v Value) Compare(other Value) (int, error) {
	if v.typ != other.typ {
		return 0, dberr.Newf(dberr.TypeNotComparable, "%s vs %s", v.typ, other.typ)
	}
	switch v.typ {
	case TypeNull:
		return 0, nil
	case TypeInt:
		return cmpInt64(v.num, other.num), nil
	case TypeDouble:
		a, b := v.AsDouble(), other.AsDouble()
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		default:
			return 0, nil
		}
	case TypeBoolean:
		return cmpInt64(v.num, other.num), nil
	case TypeString:
		switch {
		case v.str < other.str:
			return -1, nil
		case v.str > other.str:
			return 1, nil
		default:
			return 0, nil
		}
	case TypeObjectId:
		return v.oid.Compare(other.oid), nil
	default:
		return 0, dberr.Newf(dberr.TypeNotComparable, "%s vs %s", v.typ, other.typ)
	}
}

// Equal reports value equality (Compare == 0), false on incomparable types.
func (v Value) Equal(other Value) bool {
	c, err := v.Compare(other)
	return err == nil && c == 0
}

func doubleBits(f float64) uint64       { return math.Float64bits(f) }
func doubleFromBits(b uint64) float64   { return math.Float64frombits(b) }

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "Null"
	case TypeDouble:
		return fmt.Sprintf("Double(%v)", v.AsDouble())
	case TypeBoolean:
		if v.AsBoolean() {
			return "true"
		}
		return "false"
	case TypeInt:
		return fmt.Sprintf("%d", v.num)
	case TypeString:
		return fmt.Sprintf("%q", v.str)
	case TypeObjectId:
		return fmt.Sprintf("ObjectId(%s)", v.oid.Hex())
	case TypeArray:
		return fmt.Sprintf("Array(len = %d)", len(v.arr))
	case TypeDocument:
		return "Document(...)"
	case TypeBinary:
		if len(v.bin) > 64 {
			return "Binary(...)"
		}
		return fmt.Sprintf("Binary(%s)", hex.EncodeToString(v.bin))
	default:
		return "<invalid>"
	}
}
