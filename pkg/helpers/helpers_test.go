package helpers

import (
	"bytes"
	"testing"

	"github.com/shopspring/decimal"
)

func TestReverseBytes(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	got := ReverseBytes(in)

	want := []byte{4, 3, 2, 1}
	if !bytes.Equal(got, want) {
		t.Errorf("ReverseBytes = %v, want %v", got, want)
	}
	if in[0] != 1 {
		t.Error("ReverseBytes modified its input")
	}
}

func TestReversedHex(t *testing.T) {
	if got := ReversedHex([]byte{0xab, 0xcd}); got != "cdab" {
		t.Errorf("ReversedHex = %s, want cdab", got)
	}
}

func TestDecodeHexField(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		size    int
		wantErr bool
	}{
		{"valid any size", "0a0b0c", 0, false},
		{"valid exact size", "0x0a0b", 2, false},
		{"wrong size", "0a0b0c", 2, true},
		{"bad hex", "zz", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeHexField("pubkey", tt.in, tt.size)
			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeHexField() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToSatoshi(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want uint64
	}{
		{"whole", "1", 100000000},
		{"fraction", "0.0005", 50000},
		{"floors extra digits", "0.000000019", 1},
		{"negative clamps", "-1", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToSatoshi(decimal.RequireFromString(tt.in), 8)
			if got != tt.want {
				t.Errorf("ToSatoshi(%s) = %d, want %d", tt.in, got, tt.want)
			}
			if tt.want > 0 && ToSatoshi(FromSatoshi(got, 8), 8) != got {
				t.Errorf("FromSatoshi is not the inverse of ToSatoshi for %d", got)
			}
		})
	}
}

func TestFromSatoshi(t *testing.T) {
	tests := []struct {
		amount    uint64
		precision int32
		want      string
	}{
		{150000000, 8, "1.5"},
		{1, 8, "0.00000001"},
		{42, 0, "42"},
	}

	for _, tt := range tests {
		if got := FromSatoshi(tt.amount, tt.precision); !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("FromSatoshi(%d, %d) = %s, want %s", tt.amount, tt.precision, got, tt.want)
		}
	}
}

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare([]byte{1, 2}, []byte{1, 2}) {
		t.Error("equal slices must compare equal")
	}
	if ConstantTimeCompare([]byte{1, 2}, []byte{1, 3}) || ConstantTimeCompare([]byte{1}, []byte{1, 2}) {
		t.Error("different slices must not compare equal")
	}
}

func TestSecureClear(t *testing.T) {
	b := []byte{1, 2, 3}
	SecureClear(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Errorf("SecureClear left %v", b)
	}
}
