//go:build linux

// Command passthru attaches a host PCI function to a guest PCI bus through
// VFIO and iommufd, maps guest RAM for device DMA and forwards interrupts
// until it is signalled to stop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/passthru/internal/chipset"
	"github.com/tinyrange/passthru/internal/devices/pci"
	"github.com/tinyrange/passthru/internal/devices/vfio"
	"github.com/tinyrange/passthru/internal/hv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "passthru: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	devicePath  string
	pciAddress  string
	iommuPath   string
	interrupts  string
	liveReads   bool
	reset       bool
	memoryMB    uint64
	slot        uint
	metricsAddr string
	debug       bool
}

func run() error {
	var o options
	flag.StringVar(&o.configPath, "config", "", "YAML device configuration")
	flag.StringVar(&o.devicePath, "device", "", "VFIO device node (/dev/vfio/devices/vfioN)")
	flag.StringVar(&o.pciAddress, "pci", "", "Host PCI address (0000:01:00.0), resolved through sysfs")
	flag.StringVar(&o.iommuPath, "iommu", "", "iommufd node (default: "+vfio.DefaultIOMMUPath+")")
	flag.StringVar(&o.interrupts, "interrupts", "", "Comma separated interrupt sources to forward (intx, msi)")
	flag.BoolVar(&o.liveReads, "live-config-reads", false, "Read header fields from the device instead of the snapshot")
	flag.BoolVar(&o.reset, "reset", false, "Reset the device after attaching it")
	flag.Uint64Var(&o.memoryMB, "memory", 256, "Guest memory in MB")
	flag.UintVar(&o.slot, "slot", 1, "PCI slot on bus 0")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Pass a host PCI function through to a guest PCI bus.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -device /dev/vfio/devices/vfio0 -interrupts msi\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -pci 0000:03:00.0 -memory 1024 -metrics-addr :9100\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config nic.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if o.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := o.deviceConfig()
	if err != nil {
		return err
	}
	if o.slot == 0 || o.slot > 31 {
		return fmt.Errorf("slot %d out of range 1-31", o.slot)
	}

	arch := hv.ArchitectureX86_64
	if runtime.GOARCH == "arm64" {
		arch = hv.ArchitectureARM64
	}
	layout, busCfg, err := guestLayout(arch, o.memoryMB<<20)
	if err != nil {
		return err
	}
	slog.Info("guest layout", "arch", layout.Architecture(), "ram", layout.RAMRanges())
	mem, err := hv.NewAnonymousMemory(layout)
	if err != nil {
		return fmt.Errorf("allocate guest memory: %w", err)
	}
	defer mem.Close()

	lines := chipset.NewLineSet(chipset.InterruptSinkFunc(func(line uint8, high bool) {
		slog.Debug("irq line", "line", line, "level", high)
	}))
	busCfg.Lines = lines
	busCfg.MSI = msiLogger{}
	bus := pci.NewHostBridge(busCfg)
	if err := bus.Init(); err != nil {
		return fmt.Errorf("init host bridge: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics, err := vfio.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if o.metricsAddr != "" {
		srv := serveMetrics(o.metricsAddr, reg)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	dev, err := vfio.Open(cfg, vfio.Options{
		Bus:     bus,
		Slot:    uint8(o.slot),
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Error("close device", "error", err)
		}
	}()

	if err := dev.BusHandle().AssignBARs(); err != nil {
		return fmt.Errorf("assign BARs: %w", err)
	}
	for _, a := range append(layout.FixedRegions(), layout.Allocations()...) {
		slog.Info("MMIO window", "name", a.Name, "base", fmt.Sprintf("%#x", a.Base), "size", a.Size)
	}

	report, err := powerOn(dev, mem)
	if err != nil {
		return err
	}
	if report.Failures > 0 {
		slog.Warn("guest memory only partially mapped", "failures", report.Failures)
	}

	slog.Info("device attached", "location", dev.Location())
	<-ctx.Done()
	for _, l := range lines.Snapshot() {
		slog.Info("irq line", "irq", l.IRQ, "asserts", l.Asserts, "high", l.High)
	}
	slog.Info("shutting down")
	return nil
}

const (
	ecamSize = 1 << 20

	// Above this much RAM the layout leaves a 32-bit hole for the bus.
	lowRAMLimit = 0xc000_0000
	highRAMBase = 0x1_0000_0000
	holeMMIO    = 0xc000_0000
	holeMMIOLen = 0x1000_0000
	holeECAM    = 0xe000_0000
)

// guestLayout places RAM and the PCI windows. Small guests get the ECAM
// window and BARs allocated directly above RAM; large guests split RAM
// around a fixed hole below 4 GiB so 32-bit BARs stay reachable.
func guestLayout(arch hv.CpuArchitecture, ramSize uint64) (*hv.AddressSpace, pci.HostBridgeConfig, error) {
	if ramSize == 0 {
		return nil, pci.HostBridgeConfig{}, fmt.Errorf("guest memory size must be non-zero")
	}
	if ramSize <= lowRAMLimit {
		layout := hv.NewAddressSpace(arch, 0, ramSize)
		ecam, err := layout.Allocate(hv.MMIOAllocationRequest{Name: "pci-ecam", Size: ecamSize, Alignment: ecamSize})
		if err != nil {
			return nil, pci.HostBridgeConfig{}, fmt.Errorf("place ECAM window: %w", err)
		}
		return layout, pci.HostBridgeConfig{
			ConfigBase:   ecam.Base,
			ConfigSize:   ecam.Size,
			AddressSpace: layout,
		}, nil
	}

	layout := hv.NewAddressSpaceSplit(arch, 0, lowRAMLimit, highRAMBase, ramSize-lowRAMLimit)
	if err := layout.RegisterFixed("pci-mmio", holeMMIO, holeMMIOLen); err != nil {
		return nil, pci.HostBridgeConfig{}, err
	}
	if err := layout.RegisterFixed("pci-ecam", holeECAM, ecamSize); err != nil {
		return nil, pci.HostBridgeConfig{}, err
	}
	return layout, pci.HostBridgeConfig{
		ConfigBase: holeECAM,
		ConfigSize: ecamSize,
		MMIOBase:   holeMMIO,
		MMIOSize:   holeMMIOLen,
	}, nil
}

func (o options) deviceConfig() (vfio.Config, error) {
	cfg := vfio.DefaultConfig()
	if o.configPath != "" {
		loaded, err := vfio.LoadConfig(o.configPath)
		if err != nil {
			return vfio.Config{}, err
		}
		cfg = loaded
	}

	if o.devicePath != "" {
		cfg.DevicePath = o.devicePath
	}
	if o.pciAddress != "" {
		cfg.PCIAddress = o.pciAddress
	}
	if o.iommuPath != "" {
		cfg.IOMMUPath = o.iommuPath
	}
	if o.interrupts != "" {
		srcs, err := parseInterrupts(o.interrupts)
		if err != nil {
			return vfio.Config{}, err
		}
		cfg.Interrupts = srcs
	}
	if o.liveReads {
		cfg.LiveConfigReads = true
	}
	if o.reset {
		cfg.ResetOnAttach = true
	}
	return cfg, nil
}

func parseInterrupts(s string) ([]vfio.InterruptSource, error) {
	var out []vfio.InterruptSource
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var src vfio.InterruptSource
		if err := src.UnmarshalText([]byte(part)); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func powerOn(dev *vfio.Device, mem *hv.AnonymousMemory) (vfio.SyncReport, error) {
	var opts vfio.SyncOptions
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(dev.SyncSpan(mem)), "mapping guest memory")
		defer bar.Finish()
		opts.Progress = func(delta uint64) { bar.Add64(int64(delta)) }
	}
	return dev.PowerOn(mem, opts)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr)
	return srv
}

// msiLogger stands in for a hypervisor's MSI injection path.
type msiLogger struct{}

func (msiLogger) SignalMSI(addr uint64, data uint32, flags uint32) error {
	slog.Debug("msi", "addr", fmt.Sprintf("%#x", addr), "data", fmt.Sprintf("%#x", data))
	return nil
}
