package vm

// FlatMemory is the simplest possible Memory implementation: a full
// 64KiB flat address space backing code, stack and data alike, exactly
// like the reference host harness's static memory[] array. Words are
// stored big-endian, matching the wire format the compiler emits.
type FlatMemory struct {
	Data [1 << 16]byte
}

// NewFlatMemory returns a zeroed 64KiB address space.
func NewFlatMemory() *FlatMemory {
	return &FlatMemory{}
}

// Load copies img into the address space starting at 0, as evmrun does
// with a freshly compiled binary.
func (f *FlatMemory) Load(img []byte) {
	copy(f.Data[:], img)
}

func (f *FlatMemory) Read8(addr uint16) (byte, error) {
	return f.Data[addr], nil
}

func (f *FlatMemory) Read16(addr uint16) (int16, error) {
	hi := uint16(f.Data[addr])
	lo := uint16(f.Data[addr+1])
	return int16(hi<<8 | lo), nil
}

func (f *FlatMemory) Write8(addr uint16, value byte) error {
	f.Data[addr] = value
	return nil
}

func (f *FlatMemory) Write16(addr uint16, value int16) error {
	f.Data[addr] = byte(uint16(value) >> 8)
	f.Data[addr+1] = byte(uint16(value))
	return nil
}

var _ Memory = &FlatMemory{}
