//go:build linux

package vfio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultIOMMUPath    = "/dev/iommu"
	DefaultDMAScanLimit = 10 << 30

	sysBusPCIDevicesPath = "/sys/bus/pci/devices"
	vfioDevicesPath      = "/dev/vfio/devices"
	pciDomain            = "0000"
)

// InterruptSource selects one of the hardware interrupt indices.
type InterruptSource uint32

const (
	SourceINTx InterruptSource = 0
	SourceMSI  InterruptSource = 1
)

func (s InterruptSource) String() string {
	switch s {
	case SourceINTx:
		return "intx"
	case SourceMSI:
		return "msi"
	default:
		return fmt.Sprintf("InterruptSource(%d)", uint32(s))
	}
}

func (s InterruptSource) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *InterruptSource) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "intx":
		*s = SourceINTx
	case "msi":
		*s = SourceMSI
	default:
		return fmt.Errorf("%w: unknown interrupt source %q", ErrConfig, text)
	}
	return nil
}

// Config selects the host device and how it is exposed to the guest.
type Config struct {
	// DevicePath is the VFIO character device, e.g. /dev/vfio/devices/vfio0.
	DevicePath string `yaml:"device_path"`
	// PCIAddress may be given instead of DevicePath; it is resolved through
	// sysfs.
	PCIAddress string `yaml:"pci_address"`
	IOMMUPath  string `yaml:"iommu_path"`

	Interrupts []InterruptSource `yaml:"interrupts"`

	// LiveConfigReads returns hardware values for intercepted header reads
	// instead of the emulated header.
	LiveConfigReads bool `yaml:"live_config_reads"`
	ResetOnAttach   bool `yaml:"reset_on_attach"`

	// DMAScanLimit bounds the power-on walk when guest memory cannot list
	// its RAM ranges.
	DMAScanLimit uint64 `yaml:"dma_scan_limit"`
}

// DefaultConfig returns a config with every optional field filled in.
func DefaultConfig() Config {
	return Config{
		IOMMUPath:    DefaultIOMMUPath,
		Interrupts:   []InterruptSource{SourceMSI},
		DMAScanLimit: DefaultDMAScanLimit,
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("vfio: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("vfio: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the required values. It never touches the kernel.
func (c Config) Validate() error {
	if c.DevicePath == "" && c.PCIAddress == "" {
		return fmt.Errorf("%w: device_path is required", ErrConfig)
	}
	if c.IOMMUPath == "" {
		return fmt.Errorf("%w: iommu_path is required", ErrConfig)
	}
	seen := make(map[InterruptSource]bool, len(c.Interrupts))
	for _, src := range c.Interrupts {
		if src != SourceINTx && src != SourceMSI {
			return fmt.Errorf("%w: unsupported interrupt source %s", ErrConfig, src)
		}
		if seen[src] {
			return fmt.Errorf("%w: interrupt source %s listed twice", ErrConfig, src)
		}
		seen[src] = true
	}
	return nil
}

func (c Config) scanLimit() uint64 {
	if c.DMAScanLimit == 0 {
		return DefaultDMAScanLimit
	}
	return c.DMAScanLimit
}

// ResolvePCIAddress maps a PCI address such as 0000:04:00.0 (or 04:00.0) to
// the VFIO character device bound to it.
func ResolvePCIAddress(sysfsRoot, bdf string) (string, error) {
	if sysfsRoot == "" {
		sysfsRoot = sysBusPCIDevicesPath
	}
	if len(strings.Split(bdf, ":")) == 2 {
		bdf = pciDomain + ":" + bdf
	}
	if len(strings.Split(bdf, ":")) != 3 {
		return "", fmt.Errorf("%w: malformed PCI address %q", ErrConfig, bdf)
	}

	dir := filepath.Join(sysfsRoot, bdf, "vfio-dev")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("vfio: %s is not bound to vfio-pci: %w", bdf, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "vfio") {
			return filepath.Join(vfioDevicesPath, e.Name()), nil
		}
	}
	return "", fmt.Errorf("vfio: no VFIO character device under %s", dir)
}

// resolve fills in defaults for unset fields and DevicePath from PCIAddress
// when needed. A nil Interrupts selects MSI; an empty non-nil list selects
// none.
func (c Config) resolve() (Config, error) {
	if c.Interrupts == nil {
		c.Interrupts = []InterruptSource{SourceMSI}
	}
	if c.DevicePath != "" || c.PCIAddress == "" {
		return c, nil
	}
	path, err := ResolvePCIAddress("", c.PCIAddress)
	if err != nil {
		return c, err
	}
	c.DevicePath = path
	return c, nil
}
