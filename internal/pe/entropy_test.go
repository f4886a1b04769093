package pe

import (
	"math"
	"testing"
)

func TestCalculateEntropy(t *testing.T) {
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}

	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{name: "Empty data", data: nil, want: 0},
		{name: "Single value", data: []byte{0x2A, 0x2A, 0x2A, 0x2A}, want: 0},
		{name: "Two values", data: []byte{0x00, 0x2A, 0x00, 0x2A}, want: 1},
		{name: "Eight distinct bytes", data: []byte{0, 1, 2, 3, 4, 5, 6, 7}, want: 3},
		{name: "Every byte value", data: all, want: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateEntropy(tt.data)
			if math.Abs(got-tt.want) > 0.0001 {
				t.Errorf("CalculateEntropy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSectionPacked(t *testing.T) {
	tests := []struct {
		entropy float64
		want    bool
	}{
		{entropy: 4.5, want: false},
		{entropy: HighEntropy, want: false},
		{entropy: 7.9, want: true},
	}

	for _, tt := range tests {
		if got := (SectionInfo{Entropy: tt.entropy}).Packed(); got != tt.want {
			t.Errorf("Packed() with entropy %v = %v, want %v", tt.entropy, got, tt.want)
		}
	}
}

func TestSectionPermissions(t *testing.T) {
	tests := []struct {
		name string
		c    uint32
		want string
	}{
		{name: "text", c: 0x60000020, want: "R-X"},
		{name: "data", c: 0xC0000040, want: "RW-"},
		{name: "rwx", c: 0xE0000020, want: "RWX"},
		{name: "none", c: 0, want: "---"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sectionPermissions(tt.c); got != tt.want {
				t.Errorf("sectionPermissions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRawData(t *testing.T) {
	data := []byte{1, 2, 3, 4}

	tests := []struct {
		name         string
		offset, size uint32
		want         int
	}{
		{name: "inside", offset: 1, size: 2, want: 2},
		{name: "clipped", offset: 2, size: 10, want: 2},
		{name: "past end", offset: 8, size: 4, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(rawData(data, tt.offset, tt.size)); got != tt.want {
				t.Errorf("len(rawData()) = %d, want %d", got, tt.want)
			}
		})
	}
}
