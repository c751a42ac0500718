package bin

import (
	"debug/pe"

	"github.com/pkg/errors"
)

// LoadPE loads the executable section of the given 32-bit PE file as a memory
// image, and returns the address of the entry point as a trace head.
func LoadPE(path string) (*Image, Addrs, error) {
	dbg.Printf("LoadPE(path = %q)", path)
	file, err := pe.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unable to open executable %q", path)
	}
	defer file.Close()
	optHdr, ok := file.OptionalHeader.(*pe.OptionalHeader32)
	if !ok {
		return nil, nil, errors.New("support for 64-bit executables not yet implemented")
	}
	base := Addr(optHdr.ImageBase)
	var img *Image
	for _, sect := range file.Sections {
		if !isExec(sect) {
			continue
		}
		if img != nil {
			return nil, nil, errors.Errorf("support for multiple executable sections not yet implemented; section %q follows %v", sect.Name, img.Base)
		}
		data, err := sect.Data()
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		dbg.Printf("=== [ section %q ] ===", sect.Name)
		img = NewImage(base+Addr(sect.VirtualAddress), data)
	}
	if img == nil {
		return nil, nil, errors.Errorf("unable to locate executable section in %q", path)
	}
	entry := base + Addr(optHdr.AddressOfEntryPoint)
	return img, Addrs{entry}, nil
}

// ### [ Helper functions ] ####################################################

// isExec reports whether the given section is executable.
func isExec(sect *pe.Section) bool {
	return sect.Characteristics&pe.IMAGE_SCN_CNT_CODE != 0
}
