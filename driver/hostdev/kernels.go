package hostdev

import (
	"encoding/binary"
	"math"
	"sort"
	"unsafe"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/gdex/gdex/driver"
)

// kernelFunc executes one builtin kernel against resolved device memory.
// Builtin kernels are data-parallel over whole buffers and ignore the launch
// geometry beyond requiring a non-empty grid.
type kernelFunc func(d *Device, args []driver.Memory) error

// kernelImpl pairs a kernel body with its expected argument count.
type kernelImpl struct {
	arity int
	fn    kernelFunc
}

// builtinKernels is the kernel table hostdev modules bind against.
//
// Argument conventions (all float32, little-endian):
//
//	fill_f32(params{value f32}, dst)
//	iota_f32(dst)
//	scale_f32(params{alpha f32}, x)          -- x *= alpha, in place
//	axpy_f32(params{alpha f32}, x, y)        -- y += alpha*x
//	add_f32(x, y, dst)                       -- dst = x + y
//	gemm_f32(params{m,n,k i32}, a, b, c)     -- c = a(m×k) * b(k×n)
//	reduce_sum_f32(x, dst)                   -- dst[0] = sum(x)
var builtinKernels = map[string]kernelImpl{
	"fill_f32":       {arity: 2, fn: kernelFill},
	"iota_f32":       {arity: 1, fn: kernelIota},
	"scale_f32":      {arity: 2, fn: kernelScale},
	"axpy_f32":       {arity: 3, fn: kernelAxpy},
	"add_f32":        {arity: 3, fn: kernelAdd},
	"gemm_f32":       {arity: 4, fn: kernelGemm},
	"reduce_sum_f32": {arity: 2, fn: kernelReduceSum},
}

// Kernels returns the sorted names of the builtin kernels.
func Kernels() []string {
	names := make([]string, 0, len(builtinKernels))
	for name := range builtinKernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// kernel is one launchable entry point of a loaded module.
type kernel struct {
	module *module
	name   string
	fn     kernelImpl
}

// Compile-time check.
var _ driver.Kernel = (*kernel)(nil)

// Name of the kernel inside its module.
func (k *kernel) Name() string { return k.name }

// Launch enqueues one execution of the kernel on the stream.
//
// Argument count and stream/device matching are validated synchronously;
// failures during execution (e.g. an invalid device pointer) surface as the
// stream's sticky error on the next Sync.
func (k *kernel) Launch(ds driver.Stream, grid, block driver.Dim3, args []driver.Memory) error {
	s, ok := ds.(*stream)
	if !ok || s.device != k.module.device {
		return errors.Errorf("%s: kernel %q launched on a stream from another device",
			k.module.device.Name(), k.name)
	}
	if len(args) != k.fn.arity {
		return errors.Errorf("%s: kernel %q takes %d arguments, got %d",
			s.device.Name(), k.name, k.fn.arity, len(args))
	}
	if grid.Total() <= 0 || block.Total() <= 0 {
		return errors.Errorf("%s: kernel %q launched with empty geometry grid=%v block=%v",
			s.device.Name(), k.name, grid, block)
	}
	argsCopy := make([]driver.Memory, len(args))
	copy(argsCopy, args)
	s.Do(func() {
		if err := k.fn.fn(s.device, argsCopy); err != nil {
			s.Fail(errors.WithMessagef(err, "kernel %q", k.name))
		}
	})
	return nil
}

// f32view returns the device range as a []float32 without copying.
func f32view(d *Device, m driver.Memory) ([]float32, error) {
	data, err := d.resolve(m)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4), nil
}

// readParams copies a small parameter buffer to the host.
func readParams(d *Device, m driver.Memory, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := d.MemcpyDtoH(buf, m); err != nil {
		return nil, errors.WithMessage(err, "reading kernel parameters")
	}
	return buf, nil
}

func kernelFill(d *Device, args []driver.Memory) error {
	params, err := readParams(d, args[0], 4)
	if err != nil {
		return err
	}
	value := math.Float32frombits(binary.LittleEndian.Uint32(params))
	dst, err := f32view(d, args[1])
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = value
	}
	return nil
}

func kernelIota(d *Device, args []driver.Memory) error {
	dst, err := f32view(d, args[0])
	if err != nil {
		return err
	}
	for i := range dst {
		dst[i] = float32(i)
	}
	return nil
}

func kernelScale(d *Device, args []driver.Memory) error {
	params, err := readParams(d, args[0], 4)
	if err != nil {
		return err
	}
	alpha := math.Float32frombits(binary.LittleEndian.Uint32(params))
	x, err := f32view(d, args[1])
	if err != nil {
		return err
	}
	blas32.Scal(alpha, blas32.Vector{N: len(x), Data: x, Inc: 1})
	return nil
}

func kernelAxpy(d *Device, args []driver.Memory) error {
	params, err := readParams(d, args[0], 4)
	if err != nil {
		return err
	}
	alpha := math.Float32frombits(binary.LittleEndian.Uint32(params))
	x, err := f32view(d, args[1])
	if err != nil {
		return err
	}
	y, err := f32view(d, args[2])
	if err != nil {
		return err
	}
	n := min(len(x), len(y))
	blas32.Axpy(alpha,
		blas32.Vector{N: n, Data: x, Inc: 1},
		blas32.Vector{N: n, Data: y, Inc: 1})
	return nil
}

func kernelAdd(d *Device, args []driver.Memory) error {
	x, err := f32view(d, args[0])
	if err != nil {
		return err
	}
	y, err := f32view(d, args[1])
	if err != nil {
		return err
	}
	dst, err := f32view(d, args[2])
	if err != nil {
		return err
	}
	n := min(len(x), len(y), len(dst))
	for i := range n {
		dst[i] = x[i] + y[i]
	}
	return nil
}

func kernelGemm(d *Device, args []driver.Memory) error {
	params, err := readParams(d, args[0], 12)
	if err != nil {
		return err
	}
	m := int(int32(binary.LittleEndian.Uint32(params[0:])))
	n := int(int32(binary.LittleEndian.Uint32(params[4:])))
	k := int(int32(binary.LittleEndian.Uint32(params[8:])))
	if m < 0 || n < 0 || k < 0 {
		return errors.Errorf("gemm_f32 with negative dimensions m=%d n=%d k=%d", m, n, k)
	}
	a, err := f32view(d, args[1])
	if err != nil {
		return err
	}
	b, err := f32view(d, args[2])
	if err != nil {
		return err
	}
	c, err := f32view(d, args[3])
	if err != nil {
		return err
	}
	if len(a) < m*k || len(b) < k*n || len(c) < m*n {
		return errors.Errorf("gemm_f32 buffers too small for m=%d n=%d k=%d: |a|=%d |b|=%d |c|=%d",
			m, n, k, len(a), len(b), len(c))
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: max(1, k), Data: a},
		blas32.General{Rows: k, Cols: n, Stride: max(1, n), Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: max(1, n), Data: c})
	return nil
}

func kernelReduceSum(d *Device, args []driver.Memory) error {
	x, err := f32view(d, args[0])
	if err != nil {
		return err
	}
	var sum float32
	for _, v := range x {
		sum += v
	}
	dst, err := f32view(d, args[1])
	if err != nil {
		return err
	}
	if len(dst) < 1 {
		return errors.Errorf("reduce_sum_f32 output buffer too small")
	}
	dst[0] = sum
	return nil
}
