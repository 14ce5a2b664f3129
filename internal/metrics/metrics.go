// Package metrics keeps loop timing and fault counters in a go-metrics registry.
package metrics

import (
	"sort"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"balancebot/internal/fault"
)

type Registry struct {
	reg gometrics.Registry

	tick    gometrics.Timer
	overrun gometrics.Counter
	loopHz  gometrics.GaugeFloat64
	faults  map[fault.Kind]gometrics.Counter
}

func New() *Registry {
	reg := gometrics.NewRegistry()
	r := &Registry{
		reg:     reg,
		tick:    gometrics.NewRegisteredTimer("loop.tick", reg),
		overrun: gometrics.NewRegisteredCounter("loop.overrun", reg),
		loopHz:  gometrics.NewRegisteredGaugeFloat64("loop.hz", reg),
		faults:  make(map[fault.Kind]gometrics.Counter),
	}
	for _, k := range append(fault.Kinds(), fault.KindUnknown) {
		r.faults[k] = gometrics.NewRegisteredCounter("fault."+k.String(), reg)
	}
	return r
}

// ObserveTick records the busy time of one loop iteration.
func (r *Registry) ObserveTick(d time.Duration) { r.tick.Update(d) }

func (r *Registry) Overrun() { r.overrun.Inc(1) }

func (r *Registry) Overruns() int64 { return r.overrun.Count() }

func (r *Registry) SetLoopHz(hz float64) { r.loopHz.Update(hz) }

// Fault counts err under its kind; nil is ignored.
func (r *Registry) Fault(err error) {
	if err == nil {
		return
	}
	r.faults[fault.KindOf(err)].Inc(1)
}

func (r *Registry) FaultCount(k fault.Kind) int64 {
	c, ok := r.faults[k]
	if !ok {
		return 0
	}
	return c.Count()
}

// Snapshot flattens the registry for the status API.
func (r *Registry) Snapshot() map[string]any {
	out := make(map[string]any)
	r.reg.Each(func(name string, m any) {
		switch v := m.(type) {
		case gometrics.Counter:
			out[name] = v.Count()
		case gometrics.GaugeFloat64:
			out[name] = v.Value()
		case gometrics.Timer:
			s := v.Snapshot()
			ps := s.Percentiles([]float64{0.5, 0.99})
			out[name] = map[string]any{
				"count":   s.Count(),
				"mean_us": s.Mean() / 1e3,
				"p50_us":  ps[0] / 1e3,
				"p99_us":  ps[1] / 1e3,
				"max_us":  float64(s.Max()) / 1e3,
			}
		}
	})
	return out
}

// Names lists registered metric names, sorted.
func (r *Registry) Names() []string {
	var names []string
	r.reg.Each(func(name string, _ any) { names = append(names, name) })
	sort.Strings(names)
	return names
}
