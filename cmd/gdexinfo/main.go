// gdexinfo inspects the registered gdex drivers and their devices, and can
// run a small smoke-test program on a device to verify the execution core
// end to end.
//
// Usage:
//
//	gdexinfo                      # list devices of the default driver
//	gdexinfo -config hostdev:devices=2
//	gdexinfo -kernels             # list the hostdev builtin kernels
//	gdexinfo -smoke               # run the smoke-test program on device 0
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gdex/gdex/driver"
	"github.com/gdex/gdex/driver/hostdev"
	"github.com/gdex/gdex/exec"
)

var (
	flagConfig = flag.String("config", "", "Driver configuration formatted as "+
		"\"<driver_name>:<driver_configuration>\". Defaults to $GDEX_DRIVER or the first registered driver.")
	flagKernels = flag.Bool("kernels", false, "List the builtin kernels of the hostdev driver.")
	flagSmoke   = flag.Bool("smoke", false, "Run a small program on device 0 and report the timings, "+
		"once with a cold replay cache and once replaying the captured graph.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle    = lipgloss.NewStyle().Faint(false).PaddingLeft(1).PaddingRight(1)
	evenRowStyle   = lipgloss.NewStyle().Faint(true).PaddingLeft(1).PaddingRight(1)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagKernels {
		listKernels()
		return
	}

	d := newDriver()
	defer d.Finalize()
	if *flagSmoke {
		smokeTest(d)
		return
	}
	listDevices(d)
}

func newDriver() driver.Driver {
	if *flagConfig != "" {
		return must.M1(driver.NewWithConfig(*flagConfig))
	}
	return must.M1(driver.New())
}

func listDevices(d driver.Driver) {
	fmt.Printf("Driver %q: %s\n", d.Name(), d.Description())
	table := newPlainTable()
	table.Headers("Ordinal", "Name", "Capability")
	for ordinal := range d.NumDevices() {
		dev := must.M1(d.Device(ordinal))
		table.Row(fmt.Sprintf("%d", dev.Ordinal()), dev.Name(), dev.Capability().String())
	}
	fmt.Println(table.Render())
}

func listKernels() {
	fmt.Printf("Builtin kernels of the %q driver:\n", hostdev.DriverName)
	for _, name := range hostdev.Kernels() {
		fmt.Printf("\t%s\n", name)
	}
}

// smokeTest runs y += 2*x on device 0: once cold (loads the module and
// captures the replay graph) and once warm (replays the graph).
func smokeTest(d driver.Driver) {
	dev := must.M1(d.Device(0))
	program := smokeProgram(dev.Capability())
	e := must.M1(exec.NewExecutable(program))
	defer e.Finalize()
	fmt.Println(e)

	const numElements = 1024
	x := must.M1(dev.Allocate(4 * numElements))
	y := must.M1(dev.Allocate(4 * numElements))
	must.M(dev.MemcpyHtoD(x, f32bytes(numElements, 1)))
	must.M(dev.MemcpyHtoD(y, f32bytes(numElements, 3)))
	buffers := map[int]driver.Memory{1: x, 2: y}

	ctx := context.Background()
	for _, phase := range []string{"cold", "warm"} {
		must.M(dev.MemcpyHtoD(y, f32bytes(numElements, 3)))
		start := time.Now()
		must.M1(e.Run(ctx, dev, buffers, exec.RunOptions{}))
		fmt.Printf("\t%s run on %s: %s\n", phase, dev.Name(), time.Since(start))
	}
	stats := e.ReplayStats(dev)
	fmt.Printf("\treplay cache: %d lookups, %d hits, %d captures\n",
		stats.Lookups, stats.Hits, stats.Captures)

	result := make([]byte, 4)
	must.M(dev.MemcpyDtoH(result, y))
	got := math.Float32frombits(binary.LittleEndian.Uint32(result))
	if got != 5 {
		fmt.Fprintf(os.Stderr, "smoke test failed: y[0]=%g, want 5\n", got)
		os.Exit(1)
	}
	fmt.Println("\tresult verified")
}

// smokeProgram is an axpy over the hostdev builtin kernels, with alpha=2
// embedded as a module constant.
func smokeProgram(capability driver.Capability) *exec.Program {
	one := driver.Dim3{X: 1, Y: 1, Z: 1}
	return &exec.Program{
		Name: "smoke-axpy",
		Binary: hostdev.BuildModule(
			[]hostdev.ConstantDef{{Name: "alpha", Data: f32bytes(1, 2)}},
			[]string{"axpy_f32"}),
		Capability: capability,
		Allocations: []exec.Allocation{
			{Index: 0, Size: 4, Constant: true, Symbol: "alpha"},
			{Index: 1, Size: 4 * 1024, Input: true},
			{Index: 2, Size: 4 * 1024, Input: true, Output: true},
		},
		Schedule: exec.Schedule{
			Thunks: []exec.Thunk{
				{Kind: exec.ThunkKernelLaunch, Kernel: "axpy_f32", Grid: one, Block: one, Args: []int{0, 1, 2}},
			},
		},
	}
}

func f32bytes(n int, value float32) []byte {
	buf := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(value))
	}
	return buf
}
