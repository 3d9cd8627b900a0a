package identity

import "testing"

func TestNewIsRandom(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == b {
		t.Fatal("two generated identities should differ")
	}
	if a.IsZero() {
		t.Fatal("generated identity should not be zero")
	}
}

func TestFromBytesLength(t *testing.T) {
	if _, err := FromBytes(make([]byte, Size-1)); err == nil {
		t.Fatal("short input should fail")
	}
	if _, err := FromBytes(make([]byte, Size+1)); err == nil {
		t.Fatal("long input should fail")
	}
	id, err := FromBytes(make([]byte, Size))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if !id.IsZero() {
		t.Fatal("all-zero input should produce the zero identity")
	}
}

func TestStringRoundTrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	back, err := FromString(id.String())
	if err != nil {
		t.Fatalf("FromString(%q): %v", id.String(), err)
	}
	if back != id {
		t.Fatalf("round trip mismatch: %v != %v", back, id)
	}
}

func TestBytesIsACopy(t *testing.T) {
	id, _ := New()
	b := id.Bytes()
	b[0] ^= 0xff
	if id.Bytes()[0] == b[0] {
		t.Fatal("Bytes() returned a reference, not a copy")
	}
}
