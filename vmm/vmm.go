// Package vmm owns a guest: it creates it from a Config, emulates the
// devices behind its traps and runs one thread per VCPU.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/bobuhiro11/gohv/device"
	"github.com/bobuhiro11/gohv/guest"
	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/machine"
	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/port"
	"github.com/bobuhiro11/gohv/serial"
	"github.com/bobuhiro11/gohv/thread"
	"github.com/bobuhiro11/gohv/trap"
	"github.com/bobuhiro11/gohv/vcpu"
	"github.com/bobuhiro11/gohv/vmx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Trap keys. IO traps are keyed by the index of their device.
const (
	keyDevice = 0x000
	keyBell   = 0x100
	keyMMIO   = 0x200
)

// errGuestExit stops all VCPUs once the guest asked to exit.
var errGuestExit = errors.New("guest exited")

// Options selects the processor and hooks of a VMM.
type Options struct {
	// Processor runs the guest. If nil, a KVM machine is created from
	// Config.Device.
	Processor vmx.Processor
	// Ready, if set, is called on the VCPU thread after the VCPU is
	// created and before it is first entered.
	Ready  func(id int, v *vcpu.NormalVcpu)
	Logger *logrus.Entry
}

// VMM is a guest together with its devices.
type VMM struct {
	cfg     Config
	guest   *guest.NormalGuest
	machine *machine.Machine
	serial  *serial.Serial
	devices []device.IODevice
	bells   *port.Port
	stats   *Stats
	ready   func(int, *vcpu.NormalVcpu)
	log     *logrus.Entry

	mu      sync.Mutex
	ctx     context.Context
	group   *errgroup.Group
	vcpus   map[int]*vcpu.NormalVcpu
	started map[int]bool
	exited  bool
	retcode int64
}

// New creates the guest described by cfg and installs its traps.
func New(cfg Config, opts Options) (_ *VMM, err error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}

	if cfg.VCPUs > guest.MaxGuestVcpus {
		return nil, hverror.Errorf(hverror.InvalidArgument, "vmm.New", "%d vcpus, at most %d", cfg.VCPUs, guest.MaxGuestVcpus)
	}

	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	v := &VMM{
		cfg:     cfg,
		stats:   newStats(),
		ready:   opts.Ready,
		log:     log.WithField("vm", cfg.Name),
		vcpus:   make(map[int]*vcpu.NormalVcpu),
		started: make(map[int]bool),
	}

	onExit := cfg.Vcpu.OnExit
	v.cfg.Vcpu.OnExit = func(r vmx.ExitReason) {
		v.stats.exit(r)

		if onExit != nil {
			onExit(r)
		}
	}

	defer func() {
		if err != nil {
			_ = v.Close()
		}
	}()

	proc := opts.Processor
	if proc == nil {
		if v.machine, err = machine.New(machine.Options{Device: cfg.Device, Trace: cfg.Trace, Logger: log}); err != nil {
			return nil, err
		}

		proc = v.machine
	}

	v.guest, err = guest.Create(guest.Options{
		Name:      cfg.Name,
		MemSize:   cfg.MemSize,
		Poison:    cfg.Poison,
		Processor: proc,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	if v.machine != nil {
		if err := v.machine.Attach(v.guest.PhysicalAspace()); err != nil {
			return nil, err
		}
	}

	if err := v.load(); err != nil {
		return nil, err
	}

	if err := v.setTraps(); err != nil {
		return nil, err
	}

	return v, nil
}

func (v *VMM) load() error {
	if v.cfg.Image == "" {
		return nil
	}

	img, err := os.ReadFile(v.cfg.Image)
	if err != nil {
		return err
	}

	if _, err := v.guest.PhysicalAspace().WriteAt(img, int64(v.cfg.LoadAddr)); err != nil {
		return fmt.Errorf("loading %s at %#x: %w", v.cfg.Image, v.cfg.LoadAddr, err)
	}

	v.log.WithFields(logrus.Fields{"image": v.cfg.Image, "size": len(img), "addr": v.cfg.LoadAddr}).Info("image loaded")

	return nil
}

func (v *VMM) setTraps() error {
	if v.cfg.Serial {
		v.serial = serial.New(v.cfg.Output, v.serialIRQ, v.log)
		v.devices = append(v.devices, v.serial)
	}

	if v.cfg.DebugExitPort != 0 {
		v.devices = append(v.devices, &device.DebugExit{Port: uint64(v.cfg.DebugExitPort)})
	}

	if v.cfg.PostCode {
		v.devices = append(v.devices, device.NewPostCode(v.log))
	}

	if v.cfg.ACPIShutdown {
		v.devices = append(v.devices, device.NewACPIShutDown(v.log))
	}

	for _, r := range v.cfg.IgnorePorts {
		v.devices = append(v.devices, &device.Noop{Port: r.Addr, Psize: r.Len})
	}

	if len(v.devices) > keyBell-keyDevice {
		return hverror.Errorf(hverror.InvalidArgument, "setTraps", "%d io devices", len(v.devices))
	}

	for i, d := range v.devices {
		if err := v.guest.SetTrap(trap.IO, d.IOPort(), d.Size(), nil, keyDevice+uint64(i)); err != nil {
			return fmt.Errorf("device at port %#x: %w", d.IOPort(), err)
		}
	}

	if len(v.cfg.Bells) > 0 {
		v.bells = port.New(port.DefaultCapacity)
	}

	for i, r := range v.cfg.Bells {
		if err := v.guest.SetTrap(trap.Bell, r.Addr, r.Len, v.bells, keyBell+uint64(i)); err != nil {
			return err
		}
	}

	for i, r := range v.cfg.MMIO {
		if err := v.guest.SetTrap(trap.Mem, r.Addr, r.Len, nil, keyMMIO+uint64(i)); err != nil {
			return err
		}
	}

	return nil
}

// Serial returns the COM1 device, or nil when it is disabled.
func (v *VMM) Serial() *serial.Serial { return v.serial }

// Guest returns the guest.
func (v *VMM) Guest() *guest.NormalGuest { return v.guest }

// Stats returns the exit counters.
func (v *VMM) Stats() *Stats { return v.stats }

func (v *VMM) serialIRQ() {
	if v.cfg.SerialVector == 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if vc, ok := v.vcpus[0]; ok {
		vc.Interrupt(v.cfg.SerialVector)
	}
}

// Run starts VCPU 0 and returns when the guest exits, a VCPU fails, or
// ctx is done. The result is the guest's exit code.
func (v *VMM) Run(ctx context.Context) (int64, error) {
	g, gctx := errgroup.WithContext(ctx)

	v.mu.Lock()
	if v.group != nil {
		v.mu.Unlock()

		return 0, hverror.Errorf(hverror.BadState, "Run", "already run")
	}

	v.ctx, v.group = gctx, g
	v.mu.Unlock()

	g.Go(func() error {
		<-gctx.Done()
		v.kickAll()

		return nil
	})

	if v.bells != nil {
		g.Go(func() error { return v.bellLoop(gctx) })
	}

	v.start(0, v.cfg.Entry)

	err := g.Wait()

	switch {
	case errors.Is(err, errGuestExit):
		v.mu.Lock()
		defer v.mu.Unlock()

		v.log.WithField("code", v.retcode).Info("guest exited")

		return v.retcode, nil
	case err != nil:
		return 0, err
	}

	return 0, ctx.Err()
}

// start runs VCPU id from entry on a new thread.
func (v *VMM) start(id int, entry uint64) {
	log := v.log.WithFields(logrus.Fields{"vcpu": id, "entry": entry})

	v.mu.Lock()
	defer v.mu.Unlock()

	if id >= v.cfg.VCPUs {
		log.Warn("startup of a vcpu beyond the configured count")

		return
	}

	if v.started[id] {
		log.Debug("vcpu already started")

		return
	}

	v.started[id] = true
	v.group.Go(func() error {
		th := thread.Start(thread.Options{Name: fmt.Sprintf("vcpu%d", id), CPU: id}, func(*thread.Thread) error {
			return v.runVcpu(id, entry)
		})

		return th.Join()
	})

	log.Info("vcpu started")
}

func (v *VMM) runVcpu(id int, entry uint64) (err error) {
	cfg := v.cfg.Vcpu
	cfg.ID = id

	vc, err := vcpu.New(v.guest, entry, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := vc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if !v.register(id, vc) {
		return nil
	}
	defer v.unregister(id)

	if v.ready != nil {
		v.ready(id, vc)
	}

	return v.loop(vc)
}

// register publishes vc for interrupts and kicks. It fails once the run
// is over so that kickAll never misses a VCPU.
func (v *VMM) register(id int, vc *vcpu.NormalVcpu) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ctx.Err() != nil {
		return false
	}

	v.vcpus[id] = vc

	return true
}

func (v *VMM) unregister(id int) {
	v.mu.Lock()
	delete(v.vcpus, id)
	v.mu.Unlock()
}

func (v *VMM) kickAll() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, vc := range v.vcpus {
		vc.Kick()
	}
}

func (v *VMM) loop(vc *vcpu.NormalVcpu) error {
	var p packet.Packet

	for {
		p.Reset()

		if err := vc.Enter(&p); err != nil {
			if hverror.StatusOf(err) != hverror.Canceled {
				return err
			}

			if v.ctx.Err() != nil {
				return nil
			}

			continue
		}

		v.stats.packet(p.Type)

		if err := v.dispatch(vc, &p); err != nil {
			return err
		}
	}
}

func (v *VMM) dispatch(vc *vcpu.NormalVcpu, p *packet.Packet) error {
	switch p.Type {
	case packet.TypeGuestIO:
		return v.handleIO(vc, &p.GuestIO, p.Key)
	case packet.TypeGuestMem:
		v.log.WithFields(logrus.Fields{
			"key":  p.Key,
			"addr": p.GuestMem.Addr,
			"rip":  p.GuestMem.RIP,
		}).Debug("mmio access")

		return nil
	case packet.TypeGuestVcpu:
		return v.handleVcpu(&p.GuestVcpu)
	}

	v.log.WithFields(logrus.Fields{"type": p.Type, "key": p.Key}).Warn("unexpected packet")

	return nil
}

func (v *VMM) handleIO(vc *vcpu.NormalVcpu, io *packet.GuestIO, key uint64) error {
	if key-keyDevice >= uint64(len(v.devices)) {
		return hverror.Errorf(hverror.NotFound, "handleIO", "no device for key %#x", key)
	}

	d := v.devices[key-keyDevice]
	size := io.AccessSize

	if io.Input {
		res := vcpu.IO{AccessSize: size}
		if err := d.Read(uint64(io.Port), res.Data[:size]); err != nil {
			return err
		}

		return vc.WriteStateIO(&res)
	}

	err := d.Write(uint64(io.Port), io.Data[:size])

	var exit *device.ExitError
	if errors.As(err, &exit) {
		v.exit(exit.Code)

		return errGuestExit
	}

	return err
}

func (v *VMM) handleVcpu(gv *packet.GuestVcpu) error {
	switch gv.Kind {
	case packet.VcpuStartup:
		v.start(int(gv.Startup.ID), gv.Startup.Entry)
	case packet.VcpuInterrupt:
		v.interrupt(gv.Interrupt.Mask, gv.Interrupt.Vector)
	case packet.VcpuExit:
		v.exit(gv.Exit.Retcode)

		return errGuestExit
	}

	return nil
}

func (v *VMM) interrupt(mask uint64, vector uint8) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for id, vc := range v.vcpus {
		if mask&(1<<uint(id)) != 0 {
			vc.Interrupt(vector)
		}
	}
}

// exit records the first exit code.
func (v *VMM) exit(code int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.exited {
		v.exited = true
		v.retcode = code
	}
}

func (v *VMM) bellLoop(ctx context.Context) error {
	for {
		p, err := v.bells.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		v.stats.bell()
		v.log.WithFields(logrus.Fields{"key": p.Key, "addr": p.GuestBell.Addr}).Debug("doorbell")
	}
}

// Close releases the guest and the processor. Run must have returned.
func (v *VMM) Close() error {
	var errs []error

	if v.guest != nil {
		errs = append(errs, v.guest.Close())
	}

	if v.bells != nil {
		v.bells.Close()
	}

	if v.machine != nil {
		errs = append(errs, v.machine.Close())
	}

	return errors.Join(errs...)
}
