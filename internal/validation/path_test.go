package validation

import (
	"math/big"
	"strings"
	"testing"
	"time"
)

func TestDecodePath(t *testing.T) {
	path, err := DecodePath("0000"+"0100"+"d007"+"ffff", 4)
	if err != nil {
		t.Fatalf("DecodePath: %v", err)
	}
	want := []uint16{0, 1, 2000, 0xffff}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("slot %d = %d, want %d", i, path[i], want[i])
		}
	}
	if got := EncodePath(path); got != "00000100d007ffff" {
		t.Errorf("EncodePath = %s", got)
	}

	if _, err := DecodePath("000001", 2); err == nil {
		t.Error("short path must fail")
	}
	if _, err := DecodePath("zz00", 1); err == nil {
		t.Error("non-hex path must fail")
	}
}

func TestNewRequest(t *testing.T) {
	at := time.Unix(1700000000, 0)
	req, err := NewRequest("aabb", "01020304", "00000100", 2, big.NewInt(10), big.NewInt(1), at)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if len(req.Payload) != 2 || len(req.Nonce) != 4 || len(req.Path) != 2 || !req.SubmittedAt.Equal(at) {
		t.Errorf("unexpected request %+v", req)
	}

	if _, err := NewRequest("xx", "01020304", "00000100", 2, big.NewInt(10), nil, at); err == nil {
		t.Error("bad payload must fail")
	}
	if _, err := NewRequest("aabb", "0102030", "00000100", 2, big.NewInt(10), nil, at); err == nil {
		t.Error("odd nonce must fail")
	}
}

func TestBlockHex(t *testing.T) {
	template := strings.Repeat("00", 6) + "deadbeef"

	got, err := BlockHex([]byte{1, 2, 3, 4, 5, 6}, template)
	if err != nil {
		t.Fatalf("BlockHex: %v", err)
	}
	if got != "010203040506deadbeef" {
		t.Errorf("BlockHex = %s", got)
	}

	if _, err := BlockHex([]byte{1, 2, 3, 4, 5, 6}, "0000"); err == nil {
		t.Error("template shorter than the header must fail")
	}
}
