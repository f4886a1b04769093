package pe

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
)

// ChecksumInfo contains PE checksum verification results.
type ChecksumInfo struct {
	Stored   uint32
	Computed uint32
	Valid    bool
}

// VerifyChecksum calculates and verifies the image checksum.
func VerifyChecksum(img *Image) (*ChecksumInfo, error) {
	var storedChecksum uint32

	if oh32, ok := img.file.OptionalHeader.(*pe.OptionalHeader32); ok {
		storedChecksum = oh32.CheckSum
	} else if oh64, ok := img.file.OptionalHeader.(*pe.OptionalHeader64); ok {
		storedChecksum = oh64.CheckSum
	}

	// If checksum is 0, file is not checksummed (common for managed assemblies)
	if storedChecksum == 0 {
		return &ChecksumInfo{Valid: true}, nil
	}

	offset, err := checksumOffset(img.data)
	if err != nil {
		return nil, err
	}

	computed := computePEChecksum(img.data, offset)
	return &ChecksumInfo{
		Stored:   storedChecksum,
		Computed: computed,
		Valid:    computed == storedChecksum,
	}, nil
}

// UpdateChecksum recalculates the checksum of a serialized image in place.
// An image whose stored checksum is 0 is left alone.
func UpdateChecksum(data []byte) error {
	offset, err := checksumOffset(data)
	if err != nil {
		return err
	}

	if binary.LittleEndian.Uint32(data[offset:offset+4]) == 0 {
		return nil
	}

	binary.LittleEndian.PutUint32(data[offset:offset+4], computePEChecksum(data, offset))
	return nil
}

// checksumOffset locates the CheckSum field: e_lfanew + Signature(4) + COFF(20) + 64.
func checksumOffset(data []byte) (int, error) {
	if len(data) < 64 {
		return 0, fmt.Errorf("读取DOS头失败: 文件过短")
	}

	peHeaderOffset := int(binary.LittleEndian.Uint32(data[60:64]))
	offset := peHeaderOffset + 4 + 20 + 64
	if offset < 0 || offset+4 > len(data) {
		return 0, fmt.Errorf("校验和字段超出文件范围: 0x%X", offset)
	}
	return offset, nil
}

// computePEChecksum calculates the PE checksum using the standard algorithm:
// a 16-bit one's complement sum of the file with the checksum field treated as
// zero, plus the file length.
func computePEChecksum(data []byte, checksumOffset int) uint32 {
	byteAt := func(i int) uint32 {
		if i >= len(data) || (i >= checksumOffset && i < checksumOffset+4) {
			return 0
		}
		return uint32(data[i])
	}

	var checksum uint32
	for i := 0; i < len(data); i += 2 {
		checksum += byteAt(i) | byteAt(i+1)<<8
		// Fold carry back into the low 16 bits
		checksum = (checksum & 0xFFFF) + (checksum >> 16)
	}

	checksum = (checksum & 0xFFFF) + (checksum >> 16)
	return checksum + uint32(len(data))
}
