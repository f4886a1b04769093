package pe

import (
	"debug/pe"
	"fmt"
)

// Info contains the PE-level facts reported before patching.
type Info struct {
	FilePath     string
	FileSize     int64
	Architecture string
	Subsystem    string
	ImageBase    uint64
	Checksum     *ChecksumInfo
	Signed       bool
	Sections     []SectionInfo
}

// Describe extracts basic information from the image.
func Describe(img *Image) *Info {
	f := img.File()

	info := &Info{
		FilePath: img.FilePath(),
		FileSize: img.FileSize(),
		Signed:   HasAuthenticode(img),
		Sections: Sections(img),
	}

	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		info.Architecture = "x86 (32位)"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		info.Architecture = "x64 (64位)"
	case pe.IMAGE_FILE_MACHINE_ARM:
		info.Architecture = "ARM"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		info.Architecture = "ARM64"
	default:
		info.Architecture = fmt.Sprintf("未知 (0x%X)", f.Machine)
	}

	if opt, ok := f.OptionalHeader.(*pe.OptionalHeader32); ok {
		info.ImageBase = uint64(opt.ImageBase)
		info.Subsystem = getSubsystem(opt.Subsystem)
	} else if opt, ok := f.OptionalHeader.(*pe.OptionalHeader64); ok {
		info.ImageBase = opt.ImageBase
		info.Subsystem = getSubsystem(opt.Subsystem)
	}

	if checksum, err := VerifyChecksum(img); err == nil {
		info.Checksum = checksum
	}

	return info
}

// HasAuthenticode reports whether the image carries an embedded signature.
// Any byte change invalidates it.
func HasAuthenticode(img *Image) bool {
	offset, size := img.DataDirectory(DirSecurity)
	return offset != 0 && size != 0
}

func getSubsystem(subsystem uint16) string {
	switch subsystem {
	case pe.IMAGE_SUBSYSTEM_WINDOWS_GUI:
		return "Windows GUI"
	case pe.IMAGE_SUBSYSTEM_WINDOWS_CUI:
		return "Windows 控制台"
	case pe.IMAGE_SUBSYSTEM_NATIVE:
		return "Native"
	default:
		return fmt.Sprintf("未知 (0x%X)", subsystem)
	}
}
