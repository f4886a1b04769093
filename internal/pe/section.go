package pe

import "debug/pe"

// SectionInfo contains information about a PE section.
type SectionInfo struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	Size           uint32
	Permissions    string
	Entropy        float64
}

// Packed reports whether the section's raw data looks encrypted or compressed.
func (s SectionInfo) Packed() bool {
	return s.Entropy > HighEntropy
}

// Sections lists the sections of the image in header order.
func Sections(img *Image) []SectionInfo {
	sections := make([]SectionInfo, 0, len(img.file.Sections))
	for _, section := range img.file.Sections {
		sections = append(sections, SectionInfo{
			Name:           section.Name,
			VirtualAddress: section.VirtualAddress,
			VirtualSize:    section.VirtualSize,
			Size:           section.Size,
			Permissions:    sectionPermissions(section.Characteristics),
			Entropy:        CalculateEntropy(rawData(img.data, section.Offset, section.Size)),
		})
	}
	return sections
}

// SectionAt returns the section that contains rva.
func SectionAt(img *Image, rva uint32) (SectionInfo, bool) {
	for _, s := range Sections(img) {
		span := s.VirtualSize
		if s.Size > span {
			span = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+span {
			return s, true
		}
	}
	return SectionInfo{}, false
}

// rawData clips a section's raw range to the file; truncated images are common
// among damaged installs.
func rawData(data []byte, offset, size uint32) []byte {
	start := uint64(offset)
	if start >= uint64(len(data)) {
		return nil
	}
	end := start + uint64(size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[start:end]
}

func sectionPermissions(c uint32) string {
	perms := []byte("---")
	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		perms[0] = 'R'
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		perms[1] = 'W'
	}
	if c&pe.IMAGE_SCN_MEM_EXECUTE != 0 {
		perms[2] = 'X'
	}
	return string(perms)
}
