package thread_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/bobuhiro11/gohv/hverror"
	"github.com/bobuhiro11/gohv/thread"
)

func TestCurrent(t *testing.T) {
	t.Parallel()

	if thread.Current() != nil {
		t.Fatal("test goroutine reported as a thread")
	}

	var (
		self   *thread.Thread
		onSelf bool
	)

	th := thread.Start(thread.Options{Name: "current", CPU: 3}, func(th *thread.Thread) error {
		self = thread.Current()
		onSelf = th.IsCurrent()

		return nil
	})

	if th.IsCurrent() {
		t.Error("IsCurrent true off the thread")
	}

	if err := th.Join(); err != nil {
		t.Fatal(err)
	}

	if self != th {
		t.Errorf("Current() = %p, want %p", self, th)
	}

	if !onSelf {
		t.Error("IsCurrent false on the thread")
	}

	if th.TID() == 0 {
		t.Error("TID not recorded")
	}
}

func TestJoinError(t *testing.T) {
	t.Parallel()

	want := errors.New("boom")

	th := thread.Start(thread.Options{Name: "err"}, func(*thread.Thread) error { return want })
	if err := th.Join(); !errors.Is(err, want) {
		t.Fatalf("Join = %v, want %v", err, want)
	}
}

func TestMigrateStages(t *testing.T) {
	t.Parallel()

	type call struct {
		stage thread.Stage
		cpu   int
	}

	var (
		mu    sync.Mutex
		calls []call
	)

	th := thread.Start(thread.Options{Name: "migrate", CPU: 0}, func(th *thread.Thread) error {
		if err := th.SetMigrateFn(func(t *thread.Thread, s thread.Stage) {
			mu.Lock()
			calls = append(calls, call{s, t.CPU()})
			mu.Unlock()
		}); err != nil {
			return err
		}

		if err := th.SetMigrateFn(func(*thread.Thread, thread.Stage) {}); !errors.Is(err, hverror.ErrAlreadyExists) {
			t.Errorf("second SetMigrateFn = %v", err)
		}

		if err := th.MigrateTo(2); err != nil {
			return err
		}

		return th.MigrateTo(2)
	})

	if err := th.Join(); err != nil {
		t.Fatal(err)
	}

	want := []call{{thread.StageBefore, 0}, {thread.StageAfter, 2}, {thread.StageExiting, 2}}

	mu.Lock()
	defer mu.Unlock()

	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}

	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestMigrateFromOtherThread(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	th := thread.Start(thread.Options{Name: "idle"}, func(*thread.Thread) error {
		<-release

		return nil
	})

	if err := th.MigrateTo(1); !errors.Is(err, hverror.ErrBadState) {
		t.Errorf("MigrateTo from outside = %v", err)
	}

	close(release)

	if err := th.Join(); err != nil {
		t.Fatal(err)
	}
}

func TestSwitch(t *testing.T) {
	t.Parallel()

	var switches []bool

	th := thread.Start(thread.Options{Name: "switch"}, func(th *thread.Thread) error {
		th.SetContextSwitchFn(func(in bool) { switches = append(switches, in) })
		th.Switch(false)
		th.Switch(true)

		return nil
	})

	if err := th.Join(); err != nil {
		t.Fatal(err)
	}

	if len(switches) != 2 || switches[0] || !switches[1] {
		t.Errorf("switches = %v", switches)
	}
}
