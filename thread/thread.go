// Package thread provides host threads with stable identity for driving
// virtual CPUs: a goroutine locked to an OS thread, a scheduling lock, and
// callbacks around migration, blocking and exit.
package thread

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/gohv/hverror"
	"golang.org/x/sys/unix"
)

// InvalidCPU is the CPU number of something not bound to any CPU.
const InvalidCPU = -1

// kickSignal interrupts a thread blocked in the kernel. SIGCHLD is ignored
// by default and harmless to the Go runtime.
const kickSignal = unix.SIGCHLD

// Stage is a point in a thread migration.
type Stage int

const (
	// StageBefore runs on the old CPU before the thread moves.
	StageBefore Stage = iota
	// StageAfter runs on the new CPU after the thread moved.
	StageAfter
	// StageExiting runs once when the thread exits.
	StageExiting
)

func (s Stage) String() string {
	switch s {
	case StageBefore:
		return "before"
	case StageAfter:
		return "after"
	case StageExiting:
		return "exiting"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// MigrateFunc is called with the thread's lock held. For StageExiting the
// global list lock is held as well.
type MigrateFunc func(t *Thread, stage Stage)

// ContextSwitchFunc is called without locks when the thread stops running
// (in == false) and when it resumes (in == true).
type ContextSwitchFunc func(in bool)

// Options configures a thread.
type Options struct {
	Name string
	// CPU is the CPU the thread starts on.
	CPU int
	// Pin binds the OS thread to CPU with sched_setaffinity. Without it
	// the CPU number is logical only.
	Pin bool
}

// Thread is a goroutine locked to its own OS thread.
type Thread struct {
	name string
	pin  bool

	tid atomic.Int64

	// mu is the scheduling lock. It guards cpu, migrate, ctxSwitch and
	// any state a MigrateFunc protects with it.
	mu        sync.Mutex
	cpu       int
	migrate   MigrateFunc
	ctxSwitch ContextSwitchFunc

	started chan struct{}
	done    chan struct{}
	err     error
}

var (
	// listMu is the global thread list lock.
	listMu  sync.Mutex
	threads = make(map[int]*Thread)
)

// ListLock acquires the global thread list lock.
func ListLock() { listMu.Lock() }

// ListUnlock releases the global thread list lock.
func ListUnlock() { listMu.Unlock() }

// Start runs fn on a new thread.
func Start(opts Options, fn func(t *Thread) error) *Thread {
	t := &Thread{
		name:    opts.Name,
		pin:     opts.Pin,
		cpu:     opts.CPU,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go t.run(fn)

	<-t.started

	return t
}

func (t *Thread) run(fn func(t *Thread) error) {
	// The OS thread is never unlocked, so it exits with the goroutine.
	runtime.LockOSThread()

	tid := unix.Gettid()
	t.tid.Store(int64(tid))

	var err error

	if t.pin {
		err = setAffinity(t.cpu)
	}

	listMu.Lock()
	threads[tid] = t
	listMu.Unlock()

	close(t.started)

	if err == nil {
		err = fn(t)
	}

	listMu.Lock()
	t.mu.Lock()

	if t.migrate != nil {
		t.migrate(t, StageExiting)
		t.migrate = nil
	}

	t.ctxSwitch = nil
	t.mu.Unlock()
	delete(threads, tid)
	listMu.Unlock()

	t.err = err
	close(t.done)
}

func setAffinity(cpu int) error {
	var set unix.CPUSet

	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}

	return nil
}

// Current returns the Thread of the calling goroutine, or nil if the caller
// is not running on one.
func Current() *Thread {
	listMu.Lock()
	defer listMu.Unlock()

	// A locked OS thread runs only its own goroutine, so the TID
	// identifies the caller.
	return threads[unix.Gettid()]
}

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// TID returns the OS thread ID.
func (t *Thread) TID() int { return int(t.tid.Load()) }

// IsCurrent reports whether the caller runs on t. Unlike Current it takes
// no lock.
func (t *Thread) IsCurrent() bool { return t.TID() == unix.Gettid() }

// Lock acquires the scheduling lock.
func (t *Thread) Lock() { t.mu.Lock() }

// Unlock releases the scheduling lock.
func (t *Thread) Unlock() { t.mu.Unlock() }

// CPU returns the CPU the thread is running on. The caller must hold the
// scheduling lock or be the thread itself.
func (t *Thread) CPU() int { return t.cpu }

// LockedCPU returns the CPU under the scheduling lock.
func (t *Thread) LockedCPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cpu
}

// SetMigrateFn installs fn, failing with AlreadyExists if another function
// is installed. A nil fn removes the current one.
func (t *Thread) SetMigrateFn(fn MigrateFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fn != nil && t.migrate != nil {
		return hverror.Errorf(hverror.AlreadyExists, "SetMigrateFn", "thread %s already has a migrate function", t.name)
	}

	t.migrate = fn

	return nil
}

// SetContextSwitchFn installs fn. A nil fn removes the current one.
func (t *Thread) SetContextSwitchFn(fn ContextSwitchFunc) {
	t.mu.Lock()
	t.ctxSwitch = fn
	t.mu.Unlock()
}

func (t *Thread) checkSelf(op string) error {
	if !t.IsCurrent() {
		return hverror.Errorf(hverror.BadState, op, "not called on thread %s", t.name)
	}

	return nil
}

// MigrateTo moves the calling thread to cpu, running the migrate function
// before and after the move.
func (t *Thread) MigrateTo(cpu int) error {
	if err := t.checkSelf("MigrateTo"); err != nil {
		return err
	}

	if cpu < 0 {
		return hverror.Errorf(hverror.InvalidArgument, "MigrateTo", "cpu %d", cpu)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cpu == t.cpu {
		return nil
	}

	if t.migrate != nil {
		t.migrate(t, StageBefore)
	}

	if t.pin {
		if err := setAffinity(cpu); err != nil {
			return hverror.New(hverror.Internal, "MigrateTo", err)
		}
	}

	t.cpu = cpu

	if t.migrate != nil {
		t.migrate(t, StageAfter)
	}

	return nil
}

// Switch reports a context switch of the calling thread to the installed
// ContextSwitchFunc. in is false before the thread blocks and true after
// it resumes.
func (t *Thread) Switch(in bool) {
	t.mu.Lock()
	fn := t.ctxSwitch
	t.mu.Unlock()

	if fn != nil {
		fn(in)
	}
}

// Signal interrupts the thread if it is blocked in a system call.
func (t *Thread) Signal() error {
	tid := t.TID()
	if tid == 0 {
		return nil
	}

	select {
	case <-t.done:
		return nil
	default:
	}

	if err := unix.Tgkill(unix.Getpid(), tid, kickSignal); err != nil {
		return fmt.Errorf("tgkill %d: %w", tid, err)
	}

	return nil
}

// Done is closed when the thread has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Join waits for the thread to exit and returns the error of its function.
func (t *Thread) Join() error {
	<-t.done

	return t.err
}
