package helpers

import (
	"math/big"
	"strings"
	"testing"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     string
		wantErr  bool
	}{
		{"1", 18, "1000000000000000000", false},
		{"1.5", 18, "1500000000000000000", false},
		{"0.000001", 6, "1", false},
		{"100", 8, "10000000000", false},
		{"0", 18, "0", false},
		{".5", 8, "50000000", false},
		{"", 18, "", true},
		{"-1", 18, "", true},
		{"1.2.3", 18, "", true},
		{"abc", 18, "", true},
		{"1.123456789", 8, "", true}, // too many decimal places
	}

	for _, tt := range tests {
		got, err := ParseDecimal(tt.input, tt.decimals)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDecimal(%q, %d) expected error, got %v", tt.input, tt.decimals, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDecimal(%q, %d) error = %v", tt.input, tt.decimals, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseDecimal(%q, %d) = %s, want %s", tt.input, tt.decimals, got.String(), tt.want)
		}
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		input    string
		decimals uint8
		want     string
	}{
		{"1000000000000000000", 18, "1"},
		{"1500000000000000000", 18, "1.5"},
		{"1", 6, "0.000001"},
		{"10000000000", 8, "100"},
		{"0", 18, "0"},
	}

	for _, tt := range tests {
		n, _ := new(big.Int).SetString(tt.input, 10)
		if got := FormatDecimal(n, tt.decimals); got != tt.want {
			t.Errorf("FormatDecimal(%s, %d) = %s, want %s", tt.input, tt.decimals, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"1", "1.5", "0.00000001", "123456.789"} {
		n, err := ParseDecimal(s, 8)
		if err != nil {
			t.Fatalf("ParseDecimal(%q) error = %v", s, err)
		}
		if got := FormatDecimal(n, 8); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestHexToHash32(t *testing.T) {
	h, ok := HexToHash32("0xab" + strings.Repeat("00", 31))
	if !ok {
		t.Fatal("expected valid 32-byte hex")
	}
	if h[0] != 0xab {
		t.Errorf("first byte = %x, want ab", h[0])
	}

	if _, ok := HexToHash32("0xdeadbeef"); ok {
		t.Error("short hex should not parse as 32-byte hash")
	}
	if _, ok := HexToHash32("zz"); ok {
		t.Error("invalid hex should not parse")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	a := []byte{1, 2, 3}
	if !ConstantTimeCompare(a, []byte{1, 2, 3}) {
		t.Error("equal slices should compare true")
	}
	if ConstantTimeCompare(a, []byte{1, 2, 4}) {
		t.Error("different slices should compare false")
	}
	if ConstantTimeCompare(a, []byte{1, 2}) {
		t.Error("different lengths should compare false")
	}
}
