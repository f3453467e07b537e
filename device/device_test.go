package device_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/gohv/device"
	"github.com/sirupsen/logrus"
)

var (
	_ device.IODevice = (*device.PostCode)(nil)
	_ device.IODevice = (*device.DebugExit)(nil)
	_ device.IODevice = (*device.ACPIShutDown)(nil)
	_ device.IODevice = (*device.Noop)(nil)
)

func exitCode(t *testing.T, err error) (int64, bool) {
	t.Helper()

	var e *device.ExitError
	if !errors.As(err, &e) {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}

		return 0, false
	}

	return e.Code, true
}

func TestDebugExit(t *testing.T) {
	t.Parallel()

	d := &device.DebugExit{Port: 0xf4}

	for _, tt := range []struct {
		data []byte
		want int64
	}{
		{[]byte{0}, 1},
		{[]byte{3}, 7},
		{[]byte{0x00, 0x01}, 0x201},
	} {
		code, ok := exitCode(t, d.Write(0xf4, tt.data))
		if !ok || code != tt.want {
			t.Errorf("Write(%x) = %d, %v; want %d", tt.data, code, ok, tt.want)
		}
	}
}

func TestACPIShutDown(t *testing.T) {
	t.Parallel()

	d := device.NewACPIShutDown(logrus.NewEntry(logrus.New()))

	if _, ok := exitCode(t, d.Write(device.ACPIShutDownDevPort, []byte{1})); ok {
		t.Error("reboot ended the guest")
	}

	if code, ok := exitCode(t, d.Write(device.ACPIShutDownDevPort, []byte{0x34})); !ok || code != 0 {
		t.Errorf("S5 = %d, %v; want exit 0", code, ok)
	}
}

func TestPostCode(t *testing.T) {
	t.Parallel()

	d := device.NewPostCode(logrus.NewEntry(logrus.New()))

	if err := d.Write(device.PostCodePort, []byte{0x55}); err != nil {
		t.Fatal(err)
	}

	if err := d.Write(device.PostCodePort, []byte{1, 2}); err == nil {
		t.Error("two byte write accepted")
	}

	b := []byte{0}
	if err := d.Read(device.PostCodePort, b); err != nil || b[0] != 0xff {
		t.Errorf("Read = %#x, %v", b[0], err)
	}
}
