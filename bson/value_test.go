package bson

import "testing"

func TestIsValidKeyType(t *testing.T) {
	cases := []struct {
		v     Value
		valid bool
	}{
		{String("a"), true},
		{Int(1), true},
		{ObjectIdValue(ObjectId{}), true},
		{Boolean(true), true},
		{Double(1.5), false},
		{Null(), false},
		{Array(nil), false},
		{DocumentValue(NewDocument()), false},
		{Binary(nil), false},
	}
	for _, c := range cases {
		if got := c.v.IsValidKeyType(); got != c.valid {
			t.Errorf("%s.IsValidKeyType() = %v, want %v", c.v.Type(), got, c.valid)
		}
	}
}

func TestCompareWithinType(t *testing.T) {
	if c, err := Int(1).Compare(Int(2)); err != nil || c != -1 {
		t.Fatalf("Int(1) vs Int(2): c=%d err=%v", c, err)
	}
	if c, err := String("b").Compare(String("a")); err != nil || c != 1 {
		t.Fatalf("String(b) vs String(a): c=%d err=%v", c, err)
	}
	if !Boolean(true).Equal(Boolean(true)) {
		t.Fatal("expected true == true")
	}
	if Boolean(true).Equal(Boolean(false)) {
		t.Fatal("expected true != false")
	}
}

func TestCompareAcrossTypesRejected(t *testing.T) {
	_, err := Int(1).Compare(String("1"))
	if err == nil {
		t.Fatal("expected TypeNotComparable comparing Int to String")
	}
	if Int(1).Equal(String("1")) {
		t.Fatal("Equal should be false across types, not just erroring")
	}
}

func TestObjectIdOrdering(t *testing.T) {
	gen := NewGenerator()
	first := gen.Next()
	second := gen.Next()
	v1, v2 := ObjectIdValue(first), ObjectIdValue(second)
	c, err := v1.Compare(v2)
	if err != nil {
		t.Fatalf("compare objectids: %v", err)
	}
	if c != -1 {
		t.Fatalf("expected monotonically increasing ObjectIds, got compare=%d", c)
	}
}
