package vmm

import (
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/bobuhiro11/gohv/packet"
	"github.com/bobuhiro11/gohv/vmx"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const metricPrefix = "gohv_"

// Stats counts VCPU exits and the packets the VMM handled.
type Stats struct {
	mu      sync.Mutex
	exits   map[vmx.ExitReason]uint64
	packets map[packet.Type]uint64
	bells   uint64
}

func newStats() *Stats {
	return &Stats{
		exits:   make(map[vmx.ExitReason]uint64),
		packets: make(map[packet.Type]uint64),
	}
}

func (s *Stats) exit(r vmx.ExitReason) {
	s.mu.Lock()
	s.exits[r]++
	s.mu.Unlock()
}

func (s *Stats) packet(t packet.Type) {
	s.mu.Lock()
	s.packets[t]++
	s.mu.Unlock()
}

func (s *Stats) bell() {
	s.mu.Lock()
	s.bells++
	s.mu.Unlock()
}

// Exits returns the number of exits per reason.
func (s *Stats) Exits() map[vmx.ExitReason]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := make(map[vmx.ExitReason]uint64, len(s.exits))
	for r, n := range s.exits {
		m[r] = n
	}

	return m
}

// Bells returns the number of doorbell packets received.
func (s *Stats) Bells() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bells
}

func ptr[T any](v T) *T { return &v }

func counter(value uint64, labels ...string) *dto.Metric {
	m := &dto.Metric{Counter: &dto.Counter{Value: ptr(float64(value))}}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{Name: ptr(labels[i]), Value: ptr(labels[i+1])})
	}

	return m
}

func family(name, help string, metrics []*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(metricPrefix + name),
		Help:   ptr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: metrics,
	}
}

func (s *Stats) families() []*dto.MetricFamily {
	s.mu.Lock()
	defer s.mu.Unlock()

	reasons := make([]vmx.ExitReason, 0, len(s.exits))
	for r := range s.exits {
		reasons = append(reasons, r)
	}

	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	exits := make([]*dto.Metric, 0, len(reasons))
	for _, r := range reasons {
		exits = append(exits, counter(s.exits[r], "reason", r.String(), "code", strconv.Itoa(int(r))))
	}

	types := make([]packet.Type, 0, len(s.packets))
	for t := range s.packets {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	packets := make([]*dto.Metric, 0, len(types))
	for _, t := range types {
		packets = append(packets, counter(s.packets[t], "type", t.String()))
	}

	return []*dto.MetricFamily{
		family("vcpu_exits_total", "VM exits by basic exit reason.", exits),
		family("packets_total", "Packets returned by Enter by type.", packets),
		family("bells_total", "Doorbell packets received.", []*dto.Metric{counter(s.bells)}),
	}
}

// WriteTo writes the counters in the Prometheus text format.
func (s *Stats) WriteTo(w io.Writer) (int64, error) {
	var total int64

	for _, mf := range s.families() {
		n, err := expfmt.MetricFamilyToText(w, mf)
		total += int64(n)

		if err != nil {
			return total, err
		}
	}

	return total, nil
}
