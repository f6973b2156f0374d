package hostdev

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gdex/gdex/driver"
)

// moduleMagic starts every hostdev module binary.
var moduleMagic = []byte("GDEXMOD1")

// ConstantDef is one named read-only blob embedded in a module binary.
type ConstantDef struct {
	Name string
	Data []byte
}

// BuildModule serializes constants and kernel names into the hostdev module
// binary format. It plays the role of the (out of scope) compiler backend:
// tests and examples use it to produce program binaries that
// Device.LoadModule accepts.
//
// Kernel names must refer to builtin kernels (see Kernels).
func BuildModule(constants []ConstantDef, kernels []string) []byte {
	var buf bytes.Buffer
	buf.Write(moduleMagic)
	writeU32 := func(v uint32) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	writeName := func(name string) {
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(name)))
		buf.WriteString(name)
	}
	writeU32(uint32(len(constants)))
	for _, c := range constants {
		writeName(c.Name)
		writeU32(uint32(len(c.Data)))
		buf.Write(c.Data)
	}
	writeU32(uint32(len(kernels)))
	for _, name := range kernels {
		writeName(name)
	}
	return buf.Bytes()
}

// parseModule decodes a module binary into its constants and kernel names.
func parseModule(binaryData []byte) ([]ConstantDef, []string, error) {
	r := bytes.NewReader(binaryData)
	magic := make([]byte, len(moduleMagic))
	if _, err := io.ReadFull(r, magic); err != nil || !bytes.Equal(magic, moduleMagic) {
		return nil, nil, errors.Errorf("not a hostdev module binary (bad magic)")
	}
	readU32 := func() (uint32, error) {
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}
	readName := func() (string, error) {
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return "", err
		}
		name := make([]byte, n)
		if _, err := io.ReadFull(r, name); err != nil {
			return "", err
		}
		return string(name), nil
	}

	numConstants, err := readU32()
	if err != nil {
		return nil, nil, errors.Wrap(err, "truncated module binary")
	}
	constants := make([]ConstantDef, 0, numConstants)
	for range numConstants {
		name, err := readName()
		if err != nil {
			return nil, nil, errors.Wrap(err, "truncated module binary")
		}
		size, err := readU32()
		if err != nil {
			return nil, nil, errors.Wrap(err, "truncated module binary")
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, nil, errors.Wrapf(err, "truncated constant %q", name)
		}
		constants = append(constants, ConstantDef{Name: name, Data: data})
	}
	numKernels, err := readU32()
	if err != nil {
		return nil, nil, errors.Wrap(err, "truncated module binary")
	}
	kernels := make([]string, 0, numKernels)
	for range numKernels {
		name, err := readName()
		if err != nil {
			return nil, nil, errors.Wrap(err, "truncated module binary")
		}
		kernels = append(kernels, name)
	}
	return constants, kernels, nil
}

// module is a program binary loaded onto one hostdev device.
type module struct {
	device *Device

	mu       sync.Mutex
	symbols  map[string]driver.Memory
	kernels  map[string]*kernel
	unloaded bool
}

// Compile-time check.
var _ driver.Module = (*module)(nil)

// LoadModule loads a compiled program binary onto the device.
func (d *Device) LoadModule(binaryData []byte) (driver.Module, error) {
	constants, kernelNames, err := parseModule(binaryData)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: LoadModule", d.Name())
	}
	m := &module{
		device:  d,
		symbols: make(map[string]driver.Memory, len(constants)),
		kernels: make(map[string]*kernel, len(kernelNames)),
	}
	for _, c := range constants {
		mem, err := d.Allocate(int64(len(c.Data)))
		if err != nil {
			m.freeSymbolsLocked()
			return nil, errors.WithMessagef(err, "%s: LoadModule constant %q", d.Name(), c.Name)
		}
		if err := d.MemcpyHtoD(mem, c.Data); err != nil {
			m.freeSymbolsLocked()
			return nil, errors.WithMessagef(err, "%s: LoadModule constant %q", d.Name(), c.Name)
		}
		m.symbols[c.Name] = mem
	}
	for _, name := range kernelNames {
		fn, found := builtinKernels[name]
		if !found {
			m.freeSymbolsLocked()
			return nil, errors.Errorf("%s: LoadModule: unknown kernel %q", d.Name(), name)
		}
		m.kernels[name] = &kernel{module: m, name: name, fn: fn}
	}
	d.moduleLoads.Add(1)
	klog.V(1).Infof("%s: loaded module, %s, %d constants, %d kernels",
		d.Name(), humanize.IBytes(uint64(len(binaryData))), len(constants), len(kernelNames))
	return m, nil
}

// Symbol resolves the device address of a named constant.
func (m *module) Symbol(name string) (driver.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return driver.Memory{}, errors.Errorf("%s: Symbol %q on unloaded module", m.device.Name(), name)
	}
	mem, found := m.symbols[name]
	if !found {
		return driver.Memory{}, errors.Errorf("%s: module has no symbol %q", m.device.Name(), name)
	}
	return mem, nil
}

// Kernel returns the named kernel entry point.
func (m *module) Kernel(name string) (driver.Kernel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return nil, errors.Errorf("%s: Kernel %q on unloaded module", m.device.Name(), name)
	}
	k, found := m.kernels[name]
	if !found {
		return nil, errors.Errorf("%s: module has no kernel %q", m.device.Name(), name)
	}
	return k, nil
}

// Unload releases the module and the constant regions resolved from it.
func (m *module) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return errors.Errorf("%s: module unloaded twice", m.device.Name())
	}
	m.unloaded = true
	m.freeSymbolsLocked()
	m.kernels = nil
	return nil
}

func (m *module) freeSymbolsLocked() {
	for name, mem := range m.symbols {
		if err := m.device.Free(mem); err != nil {
			klog.Warningf("%s: failed to free constant %q: %+v", m.device.Name(), name, err)
		}
	}
	m.symbols = nil
}
