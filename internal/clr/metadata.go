package clr

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ZacharyZcR/ILPatch/internal/pe"
)

const metadataSignature = 0x424A5342 // "BSJB"

type dataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// cliHeader is IMAGE_COR20_HEADER.
type cliHeader struct {
	Cb                      uint32
	MajorRuntimeVersion     uint16
	MinorRuntimeVersion     uint16
	MetaData                dataDirectory
	Flags                   uint32
	EntryPointToken         uint32
	Resources               dataDirectory
	StrongNameSignature     dataDirectory
	CodeManagerTable        dataDirectory
	VTableFixups            dataDirectory
	ExportAddressTableJumps dataDirectory
	ManagedNativeHeader     dataDirectory
}

// CLI header flags.
const (
	ComImageILOnly           = 0x00000001
	ComImage32BitRequired    = 0x00000002
	ComImageStrongNameSigned = 0x00000008
)

// metadata holds the parsed metadata root and its streams.
type metadata struct {
	version string
	tables  *tableStream
	strings []byte
	guids   []byte
	blobs   []byte
}

func readCLIHeader(img *pe.Image) (*cliHeader, error) {
	rva, size := img.DataDirectory(pe.DirCOMDescriptor)
	if rva == 0 || size == 0 {
		return nil, fmt.Errorf("不是托管程序集: 缺少CLI头")
	}

	raw, err := img.Slice(rva, 72)
	if err != nil {
		return nil, fmt.Errorf("读取CLI头失败: %w", err)
	}

	var header cliHeader
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("读取CLI头失败: %w", err)
	}
	if header.MetaData.VirtualAddress == 0 || header.MetaData.Size == 0 {
		return nil, fmt.Errorf("CLI头中没有元数据目录")
	}

	return &header, nil
}

func parseMetadata(img *pe.Image, header *cliHeader) (*metadata, error) {
	root, err := img.Slice(header.MetaData.VirtualAddress, header.MetaData.Size)
	if err != nil {
		return nil, fmt.Errorf("读取元数据失败: %w", err)
	}
	if len(root) < 20 || binary.LittleEndian.Uint32(root[0:4]) != metadataSignature {
		return nil, fmt.Errorf("元数据签名无效")
	}

	versionLength := int(binary.LittleEndian.Uint32(root[12:16]))
	pos := 16 + versionLength
	if versionLength < 0 || pos+4 > len(root) {
		return nil, fmt.Errorf("元数据版本字符串长度无效: %d", versionLength)
	}

	md := &metadata{
		version: string(bytes.TrimRight(root[16:pos], "\x00")),
	}

	streamCount := int(binary.LittleEndian.Uint16(root[pos+2 : pos+4]))
	pos += 4

	reader := bytes.NewReader(root)
	for i := 0; i < streamCount; i++ {
		if pos+8 > len(root) {
			return nil, fmt.Errorf("元数据流头被截断")
		}
		offset := binary.LittleEndian.Uint32(root[pos:])
		size := binary.LittleEndian.Uint32(root[pos+4:])

		name, err := pe.ReadCString(reader, int64(pos+8), 32)
		if err != nil {
			return nil, fmt.Errorf("读取元数据流名称失败: %w", err)
		}
		pos += 8 + alignUp(len(name)+1, 4)

		if uint64(offset)+uint64(size) > uint64(len(root)) {
			return nil, fmt.Errorf("元数据流 %s 超出范围", name)
		}
		data := root[offset : offset+size]

		switch name {
		case "#~", "#-":
			if md.tables, err = parseTableStream(data); err != nil {
				return nil, err
			}
		case "#Strings":
			md.strings = data
		case "#GUID":
			md.guids = data
		case "#Blob":
			md.blobs = data
		}
	}

	if md.tables == nil {
		return nil, fmt.Errorf("缺少元数据表流")
	}

	return md, nil
}

// stringAt reads a string from the #Strings heap.
func (md *metadata) stringAt(index uint32) (string, error) {
	if index == 0 {
		return "", nil
	}
	if int(index) >= len(md.strings) {
		return "", fmt.Errorf("字符串堆索引 0x%X 越界", index)
	}
	end := bytes.IndexByte(md.strings[index:], 0)
	if end < 0 {
		return "", fmt.Errorf("字符串堆索引 0x%X 处缺少结束符", index)
	}
	return string(md.strings[index : int(index)+end]), nil
}
