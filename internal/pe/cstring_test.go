package pe

import (
	"bytes"
	"testing"
)

func TestReadCString(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		offset  int64
		max     int
		want    string
		wantErr bool
	}{
		{
			name:   "Simple string",
			data:   []byte("Hello\x00World"),
			offset: 0,
			max:    32,
			want:   "Hello",
		},
		{
			name:   "String with offset",
			data:   []byte("Hello\x00World\x00"),
			offset: 6,
			max:    32,
			want:   "World",
		},
		{
			name:   "Empty string",
			data:   []byte("\x00"),
			offset: 0,
			max:    32,
			want:   "",
		},
		{
			name:   "Stream name",
			data:   []byte("#Strings\x00\x00\x00\x00"),
			offset: 0,
			max:    32,
			want:   "#Strings",
		},
		{
			name:    "Missing terminator",
			data:    []byte("Hello"),
			offset:  0,
			max:     32,
			wantErr: true,
		},
		{
			name:    "Longer than max",
			data:    []byte("Hello World\x00"),
			offset:  0,
			max:     4,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := bytes.NewReader(tt.data)
			got, err := ReadCString(reader, tt.offset, tt.max)

			if (err != nil) != tt.wantErr {
				t.Errorf("ReadCString() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if got != tt.want {
				t.Errorf("ReadCString() = %v, want %v", got, tt.want)
			}
		})
	}
}
