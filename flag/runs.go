package flag

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/gohv/probe"
	"github.com/bobuhiro11/gohv/serial"
	"github.com/bobuhiro11/gohv/term"
	"github.com/bobuhiro11/gohv/vmm"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// escape is Ctrl-A. Ctrl-A x stops the guest.
const escape = 0x01

// ExitCode is returned by run when the guest exits with a non-zero code.
type ExitCode int64

func (e ExitCode) Error() string {
	return fmt.Sprintf("guest exited with code %d", int64(e))
}

// Globals are flags shared by every command.
type Globals struct {
	LogLevel string `default:"info" enum:"trace,debug,info,warn,error" help:"log level (${enum})"`
	LogJSON  bool   `name:"log-json" help:"log in JSON"`
}

// CLI is the command line.
type CLI struct {
	Globals

	Probe ProbeCMD `cmd:"" help:"report KVM capabilities of this host"`
	Run   RunCMD   `cmd:"" help:"run a flat binary guest"`
}

// ProbeCMD reports what the host supports.
type ProbeCMD struct {
	Dev   string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	CPUID bool   `name:"cpuid" help:"also print the CPUID features KVM supports"`
}

// RunCMD runs a guest. Flags override the guest file.
type RunCMD struct {
	Config string `arg:"" optional:"" type:"existingfile" help:"guest description in TOML"`

	Image         string `short:"i" type:"existingfile" help:"flat binary to load"`
	LoadAddr      string `name:"load-addr" help:"guest-physical address of the image"`
	Entry         string `short:"e" help:"guest-physical address VCPU 0 starts at"`
	MemSize       string `short:"m" name:"mem" help:"memory size: as number[gGmMkK], defaults to M"`
	NCPUs         int    `short:"c" name:"cpus" help:"number of cpus"`
	DebugExitPort string `name:"debug-exit-port" help:"port that stops the guest when written"`
	Dev           string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Trace         bool   `short:"T" help:"log every exit with the instruction at the guest rip"`
	Stats         bool   `help:"print exit counters on exit"`
	Profile       string `help:"write a CPU profile into this directory"`
}

// Parse parses os.Args and runs the selected command.
func Parse() error {
	c := CLI{}

	programName := "gohv"
	programDesc := "gohv is a small x86 hypervisor core running flat binary guests on KVM"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := c.Globals.setupLogging(); err != nil {
		return err
	}

	return ctx.Run(&c.Globals)
}

func (g *Globals) setupLogging() error {
	level, err := logrus.ParseLevel(g.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	if g.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	return nil
}

func (p *ProbeCMD) Run(*Globals) error {
	if err := probe.KVMCapabilities(os.Stdout, p.Dev); err != nil {
		return err
	}

	if p.CPUID {
		return probe.CPUID(os.Stdout, p.Dev)
	}

	return nil
}

// File returns the guest file with the flags applied.
func (r *RunCMD) File() (File, error) {
	f := DefaultFile()

	if r.Config != "" {
		var err error
		if f, err = ReadFile(r.Config); err != nil {
			return File{}, err
		}
	}

	if r.Image != "" {
		f.Image = r.Image
	}

	if r.MemSize != "" {
		f.Memory = r.MemSize
	}

	if r.NCPUs != 0 {
		f.CPUs = r.NCPUs
	}

	for _, o := range []struct {
		s    string
		bits int
		set  func(uint64)
	}{
		{r.LoadAddr, 64, func(v uint64) { f.LoadAddr = v }},
		{r.Entry, 64, func(v uint64) { f.Entry = v }},
		{r.DebugExitPort, 16, func(v uint64) { f.DebugExitPort = uint16(v) }},
	} {
		if o.s == "" {
			continue
		}

		v, err := parseUint(o.s, o.bits)
		if err != nil {
			return File{}, err
		}

		o.set(v)
	}

	return f, nil
}

func (r *RunCMD) Run(*Globals) error {
	f, err := r.File()
	if err != nil {
		return err
	}

	cfg, err := f.Config()
	if err != nil {
		return err
	}

	cfg.Device = r.Dev
	cfg.Trace = r.Trace

	if r.Profile != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(r.Profile), profile.NoShutdownHook).Stop()
	}

	v, err := vmm.New(cfg, vmm.Options{})
	if err != nil {
		return err
	}
	defer v.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s := v.Serial(); s != nil {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			restore, err := term.SetRawMode(fd)
			if err != nil {
				return err
			}
			defer restore()
		}

		go pump(os.Stdin, s, cancel)
	}

	code, err := v.Run(ctx)

	if r.Stats {
		if _, err := v.Stats().WriteTo(os.Stderr); err != nil {
			logrus.WithError(err).Warn("writing stats")
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if code != 0 {
		return ExitCode(code)
	}

	return nil
}

// pump forwards in to the serial port until Ctrl-A x, which calls stop.
func pump(in io.Reader, s *serial.Serial, stop func()) {
	r := bufio.NewReader(in)

	var before byte

	for {
		b, err := r.ReadByte()
		if err != nil {
			if err != io.EOF {
				logrus.WithError(err).Warn("reading input")
			}

			return
		}

		if before == escape && b == 'x' {
			stop()

			return
		}

		if !s.Input(b) {
			logrus.Debug("serial input queue full")
		}

		before = b
	}
}
