package bin

import (
	"io/ioutil"

	"github.com/pkg/errors"
)

// Image is a raw memory image; a contiguous range of code bytes mapped at a
// base address. An image is immutable once created.
type Image struct {
	// Base address of the first byte of data.
	Base Addr
	// Contents of the memory image.
	Data []byte
}

// NewImage returns a new memory image of data mapped at base.
func NewImage(base Addr, data []byte) *Image {
	return &Image{
		Base: base,
		Data: data,
	}
}

// LoadImage loads the raw code file at the given path and maps it at base.
func LoadImage(path string, base Addr) (*Image, error) {
	dbg.Printf("LoadImage(path = %q, base = %v)", path, base)
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read code file %q", path)
	}
	return NewImage(base, data), nil
}

// ByteAt returns the byte at the given address. The boolean return value
// reports whether addr is mapped by the image; unmapped addresses are not
// present, which is distinct from a present zero byte.
func (img *Image) ByteAt(addr Addr) (byte, bool) {
	if !img.Contains(addr) {
		return 0, false
	}
	return img.Data[addr-img.Base], true
}

// Contains reports whether addr is mapped by the image.
func (img *Image) Contains(addr Addr) bool {
	return addr >= img.Base && uint64(addr-img.Base) < uint64(len(img.Data))
}

// End returns the address immediately after the last byte of the image.
func (img *Image) End() Addr {
	return img.Base + Addr(len(img.Data))
}
