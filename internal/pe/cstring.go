package pe

import (
	"fmt"
	"io"
)

// ReadCString reads a null-terminated string of at most max bytes from the reader.
func ReadCString(r io.ReaderAt, offset int64, max int) (string, error) {
	var result []byte
	buf := make([]byte, 1)

	for i := 0; i < max; i++ {
		_, err := r.ReadAt(buf, offset+int64(i))
		if err != nil {
			return "", err
		}
		if buf[0] == 0 {
			return string(result), nil
		}
		result = append(result, buf[0])
	}

	return "", fmt.Errorf("偏移 0x%X 处的字符串超过 %d 字节", offset, max)
}
