package flag

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/gohv/vcpu"
	"github.com/bobuhiro11/gohv/vmm"
)

// Region is a guest-physical range in a guest file.
type Region struct {
	Addr uint64 `toml:"addr"`
	Len  uint64 `toml:"len"`
}

// SerialFile configures COM1.
type SerialFile struct {
	Enabled bool  `toml:"enabled"`
	Vector  uint8 `toml:"vector"`
}

// VcpuFile configures every VCPU of the guest.
type VcpuFile struct {
	HasBaseProcessor bool `toml:"has_base_processor"`
	CRExiting        bool `toml:"cr_exiting"`
	Unrestricted     bool `toml:"unrestricted"`
}

// File is a guest description, for example:
//
//	name = "hello"
//	memory = "16M"
//	image = "hello.bin"
//	load_addr = 0x8000
//	entry = 0x8000
//
//	[serial]
//	enabled = true
//
//	[[mmio]]
//	addr = 0xfee00000
//	len = 0x1000
type File struct {
	Name          string     `toml:"name"`
	Memory        string     `toml:"memory"`
	CPUs          int        `toml:"cpus"`
	Poison        bool       `toml:"poison"`
	Image         string     `toml:"image"`
	LoadAddr      uint64     `toml:"load_addr"`
	Entry         uint64     `toml:"entry"`
	DebugExitPort uint16     `toml:"debug_exit_port"`
	PostCode      bool       `toml:"post_code"`
	ACPIShutdown  bool       `toml:"acpi_shutdown"`
	IgnorePorts   []Region   `toml:"ignore_ports"`
	Serial        SerialFile `toml:"serial"`
	Bells         []Region   `toml:"bell"`
	MMIO          []Region   `toml:"mmio"`
	Vcpu          VcpuFile   `toml:"vcpu"`
}

// DefaultFile is the guest used when no file is given: a real mode flat
// binary at 0x8000 that talks to COM1 and leaves through port 0xf4.
func DefaultFile() File {
	def := vcpu.DefaultConfig()

	return File{
		Name:          "gohv",
		Memory:        "16M",
		CPUs:          1,
		LoadAddr:      0x8000,
		Entry:         0x8000,
		DebugExitPort: 0xf4,
		Serial:        SerialFile{Enabled: true},
		Vcpu: VcpuFile{
			HasBaseProcessor: def.HasBaseProcessor,
			CRExiting:        def.CRExiting,
			Unrestricted:     def.Unrestricted,
		},
	}
}

// ReadFile decodes path over DefaultFile. Unknown keys are an error.
func ReadFile(path string) (File, error) {
	f := DefaultFile()

	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return File{}, err
	}

	if keys := md.Undecoded(); len(keys) > 0 {
		names := make([]string, len(keys))
		for i, k := range keys {
			names[i] = k.String()
		}

		return File{}, fmt.Errorf("%s: unknown keys %s", path, strings.Join(names, ", "))
	}

	return f, nil
}

func regions(rs []Region) []vmm.Region {
	if len(rs) == 0 {
		return nil
	}

	out := make([]vmm.Region, len(rs))
	for i, r := range rs {
		out[i] = vmm.Region{Addr: r.Addr, Len: r.Len}
	}

	return out
}

// Config converts f into a VMM configuration.
func (f *File) Config() (vmm.Config, error) {
	mem, err := ParseSize(f.Memory, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	cfg := vmm.Config{
		Name:          f.Name,
		MemSize:       uint64(mem),
		VCPUs:         f.CPUs,
		Poison:        f.Poison,
		Image:         f.Image,
		LoadAddr:      f.LoadAddr,
		Entry:         f.Entry,
		Serial:        f.Serial.Enabled,
		SerialVector:  f.Serial.Vector,
		DebugExitPort: f.DebugExitPort,
		PostCode:      f.PostCode,
		ACPIShutdown:  f.ACPIShutdown,
		IgnorePorts:   regions(f.IgnorePorts),
		Bells:         regions(f.Bells),
		MMIO:          regions(f.MMIO),
		Vcpu: vcpu.Config{
			HasBaseProcessor: f.Vcpu.HasBaseProcessor,
			CRExiting:        f.Vcpu.CRExiting,
			Unrestricted:     f.Vcpu.Unrestricted,
		},
	}

	return cfg, nil
}

// LoadConfig reads the guest file at path.
func LoadConfig(path string) (vmm.Config, error) {
	f, err := ReadFile(path)
	if err != nil {
		return vmm.Config{}, err
	}

	return f.Config()
}
