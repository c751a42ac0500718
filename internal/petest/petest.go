// Package petest builds minimal PE executables for tests.
package petest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
)

// Section is a section of a PE executable.
type Section struct {
	// Section name; at most 8 bytes.
	Name string
	// Address of the section relative to the image base.
	VirtualAddress uint32
	// Section characteristics (pe.IMAGE_SCN_*).
	Characteristics uint32
	// Raw contents of the section.
	Data []byte
}

// File is a PE executable.
type File struct {
	// Create a PE32+ executable instead of PE32.
	PE64 bool
	// Preferred load address.
	ImageBase uint32
	// Address of the entry point relative to the image base.
	Entry    uint32
	Sections []Section
}

const (
	// Offset of the PE signature.
	peOffset = 0x40
	// Offset of the first section contents.
	dataOffset = 0x200
)

// Build returns the contents of the PE executable f.
func Build(f File) []byte {
	buf := &bytes.Buffer{}
	// DOS header.
	dos := make([]byte, peOffset)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3C:], peOffset)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")
	fh := pe.FileHeader{
		Machine:          pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections: uint16(len(f.Sections)),
		Characteristics:  pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE,
	}
	var opt interface{}
	if f.PE64 {
		fh.Machine = pe.IMAGE_FILE_MACHINE_AMD64
		fh.Characteristics = pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE
		opt = &pe.OptionalHeader64{
			Magic:               0x20B,
			AddressOfEntryPoint: f.Entry,
			ImageBase:           uint64(f.ImageBase),
			SectionAlignment:    0x1000,
			FileAlignment:       dataOffset,
			NumberOfRvaAndSizes: 16,
		}
	} else {
		opt = &pe.OptionalHeader32{
			Magic:               0x10B,
			AddressOfEntryPoint: f.Entry,
			ImageBase:           f.ImageBase,
			SectionAlignment:    0x1000,
			FileAlignment:       dataOffset,
			NumberOfRvaAndSizes: 16,
		}
	}
	fh.SizeOfOptionalHeader = uint16(binary.Size(opt))
	binary.Write(buf, binary.LittleEndian, fh)
	binary.Write(buf, binary.LittleEndian, opt)
	off := uint32(dataOffset)
	for _, sect := range f.Sections {
		sh := pe.SectionHeader32{
			VirtualSize:      uint32(len(sect.Data)),
			VirtualAddress:   sect.VirtualAddress,
			SizeOfRawData:    uint32(len(sect.Data)),
			PointerToRawData: off,
			Characteristics:  sect.Characteristics,
		}
		copy(sh.Name[:], sect.Name)
		binary.Write(buf, binary.LittleEndian, sh)
		off += uint32(len(sect.Data))
	}
	buf.Write(make([]byte, dataOffset-buf.Len()))
	for _, sect := range f.Sections {
		buf.Write(sect.Data)
	}
	return buf.Bytes()
}

// Text returns an executable code section of the given contents.
func Text(addr uint32, data []byte) Section {
	return Section{
		Name:            ".text",
		VirtualAddress:  addr,
		Characteristics: pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
		Data:            data,
	}
}

// Data returns a writable data section of the given contents.
func Data(addr uint32, data []byte) Section {
	return Section{
		Name:            ".data",
		VirtualAddress:  addr,
		Characteristics: pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE,
		Data:            data,
	}
}
