// Package pe provides PE image access for managed assemblies.
package pe

import (
	"bytes"
	"debug/pe"
	"fmt"
)

// Data directory indexes used by the patcher.
const (
	DirSecurity      = 4
	DirCOMDescriptor = 14
)

// Image wraps debug/pe.File parsed from an in-memory copy of the file.
// No file handle is held once the image exists.
type Image struct {
	file     *pe.File
	data     []byte
	filepath string
}

// NewImage parses a PE image from raw bytes.
func NewImage(filepath string, data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("解析PE文件失败: %w", err)
	}

	return &Image{
		file:     f,
		data:     data,
		filepath: filepath,
	}, nil
}

// File returns the underlying debug/pe.File.
func (img *Image) File() *pe.File {
	return img.file
}

// Bytes returns the raw image bytes. Callers must not retain the slice across
// modifications.
func (img *Image) Bytes() []byte {
	return img.data
}

// FilePath returns the file path.
func (img *Image) FilePath() string {
	return img.filepath
}

// FileSize returns the file size in bytes.
func (img *Image) FileSize() int64 {
	return int64(len(img.data))
}

// DataDirectory returns the RVA and size of the given data directory entry.
func (img *Image) DataDirectory(index int) (rva, size uint32) {
	if oh32, ok := img.file.OptionalHeader.(*pe.OptionalHeader32); ok {
		if index < int(oh32.NumberOfRvaAndSizes) && index < len(oh32.DataDirectory) {
			return oh32.DataDirectory[index].VirtualAddress, oh32.DataDirectory[index].Size
		}
	} else if oh64, ok := img.file.OptionalHeader.(*pe.OptionalHeader64); ok {
		if index < int(oh64.NumberOfRvaAndSizes) && index < len(oh64.DataDirectory) {
			return oh64.DataDirectory[index].VirtualAddress, oh64.DataDirectory[index].Size
		}
	}
	return 0, 0
}

// RVAToOffset converts an RVA to a file offset. The offset always lies inside
// the file, so a truncated image fails here rather than at the read.
func (img *Image) RVAToOffset(rva uint32) (uint32, error) {
	offset, err := rvaToOffset(img.file, rva)
	if err != nil {
		return 0, err
	}
	if uint64(offset) >= uint64(len(img.data)) {
		return 0, fmt.Errorf("RVA 0x%X 对应的文件偏移 0x%X 超出文件范围", rva, offset)
	}
	return offset, nil
}

// Slice returns size bytes of the image starting at the given RVA.
func (img *Image) Slice(rva, size uint32) ([]byte, error) {
	offset, err := img.RVAToOffset(rva)
	if err != nil {
		return nil, err
	}
	end := uint64(offset) + uint64(size)
	if end > uint64(len(img.data)) {
		return nil, fmt.Errorf("RVA 0x%X 处的 %d 字节超出文件范围", rva, size)
	}
	return img.data[offset:end], nil
}

// rvaToOffset converts RVA to file offset. Only the raw data of a section is
// backed by the file; the zero-filled virtual tail past it is not.
func rvaToOffset(f *pe.File, rva uint32) (uint32, error) {
	for _, section := range f.Sections {
		span := max(section.VirtualSize, section.Size)
		if rva < section.VirtualAddress || rva-section.VirtualAddress >= span {
			continue
		}
		if rva-section.VirtualAddress >= section.Size {
			return 0, fmt.Errorf("RVA 0x%X 位于节区 %s 的未初始化部分，文件中没有对应数据", rva, section.Name)
		}
		return rva - section.VirtualAddress + section.Offset, nil
	}
	return 0, fmt.Errorf("RVA 0x%X 不在任何节区内", rva)
}
