//go:build linux

package vfio

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespacePassthru = "passthru"

// Metrics holds the Prometheus collectors for passthrough devices. A nil
// *Metrics records nothing.
type Metrics struct {
	interrupts     *prometheus.CounterVec
	configWrites   *prometheus.CounterVec
	dmaMappedBytes *prometheus.GaugeVec
	dmaMapFailures *prometheus.CounterVec
	regions        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespacePassthru,
			Name:      "interrupts_total",
			Help:      "Hardware interrupts forwarded to the guest.",
		},
			[]string{"instance", "source"},
		),
		configWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespacePassthru,
			Name:      "config_writes_total",
			Help:      "Guest config space writes forwarded to the device.",
		},
			[]string{"instance"},
		),
		dmaMappedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespacePassthru,
			Name:      "dma_mapped_bytes",
			Help:      "Guest memory mapped into the device I/O address space.",
		},
			[]string{"instance"},
		),
		dmaMapFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespacePassthru,
			Name:      "dma_map_failures_total",
			Help:      "Guest memory runs that could not be mapped for DMA.",
		},
			[]string{"instance"},
		),
		regions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespacePassthru,
			Name:      "regions",
			Help:      "BAR regions exposed to the guest by kind.",
		},
			[]string{"instance", "kind"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.interrupts, m.configWrites, m.dmaMappedBytes, m.dmaMapFailures, m.regions} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) interrupt(instance int, src InterruptSource) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(strconv.Itoa(instance), src.String()).Inc()
}

func (m *Metrics) configWrite(instance int) {
	if m == nil {
		return
	}
	m.configWrites.WithLabelValues(strconv.Itoa(instance)).Inc()
}

func (m *Metrics) dmaMapped(instance int, bytes uint64) {
	if m == nil {
		return
	}
	m.dmaMappedBytes.WithLabelValues(strconv.Itoa(instance)).Set(float64(bytes))
}

func (m *Metrics) dmaFailure(instance int) {
	if m == nil {
		return
	}
	m.dmaMapFailures.WithLabelValues(strconv.Itoa(instance)).Inc()
}

func (m *Metrics) region(instance int, kind RegionKind, delta float64) {
	if m == nil {
		return
	}
	m.regions.WithLabelValues(strconv.Itoa(instance), kind.String()).Add(delta)
}
