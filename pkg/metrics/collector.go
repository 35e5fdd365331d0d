package metrics

import (
	"time"

	"github.com/cuemby/relaybroker/pkg/module"
	"github.com/cuemby/relaybroker/pkg/overlay"
	"github.com/cuemby/relaybroker/pkg/service"
	"github.com/cuemby/relaybroker/pkg/subscription"
)

// Collector polls the broker's long-lived in-memory components on an
// interval and keeps the point-in-time gauges current.
type Collector struct {
	modules *module.Host
	svc     *service.Switch
	subs    *subscription.Registry
	ov      *overlay.Adapter
	online  func() bool
	stopCh  chan struct{}
}

// NewCollector creates a metrics collector over a broker's components.
// online reports the broker's current online super-state.
func NewCollector(modules *module.Host, svc *service.Switch, subs *subscription.Registry, ov *overlay.Adapter, online func() bool) *Collector {
	return &Collector{
		modules: modules,
		svc:     svc,
		subs:    subs,
		ov:      ov,
		online:  online,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting on a 15s interval, collecting immediately first.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectModuleMetrics()
	c.collectServiceMetrics()
	c.collectSubscriptionMetrics()
	c.collectOverlayMetrics()
}

func (c *Collector) collectModuleMetrics() {
	counts := make(map[module.State]int)
	for _, info := range c.modules.Lsmod() {
		counts[info.State]++
	}
	for _, state := range []module.State{module.StateInit, module.StateRunning, module.StateFinalizing, module.StateExited} {
		ModulesTotal.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
}

func (c *Collector) collectServiceMetrics() {
	ServicesTotal.Set(float64(c.svc.Count()))
}

func (c *Collector) collectSubscriptionMetrics() {
	SubscriptionOwnersTotal.Set(float64(c.subs.OwnerCount()))
}

func (c *Collector) collectOverlayMetrics() {
	OverlayChildrenTotal.Set(float64(c.ov.ChildCount()))
	if c.online() {
		OverlayOnline.Set(1)
	} else {
		OverlayOnline.Set(0)
	}
}
