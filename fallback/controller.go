package fallback

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/cpu"
)

// Tier is one level of the execution capability chain, fastest first.
type Tier int

const (
	TierGPU Tier = iota
	TierCPU
	TierRemote
)

func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierCPU:
		return "cpu"
	case TierRemote:
		return "remote"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// State is the controller's lifecycle phase.
type State int

const (
	StateProbing State = iota
	StateActive
	StateDegraded
)

// UnsupportedEnvironmentError reports a missing capability discovered while
// probing a tier.
type UnsupportedEnvironmentError struct {
	Tier   Tier
	Reason string
}

func (e *UnsupportedEnvironmentError) Error() string {
	return fmt.Sprintf("tier %s unavailable: %s", e.Tier, e.Reason)
}

// ErrDegraded is the terminal condition: every tier in the chain has failed.
type ErrDegraded struct{}

func (ErrDegraded) Error() string { return "all inference tiers exhausted" }

// Probe checks whether a tier can be initialized right now.
type Probe func() error

// Event describes a single tier transition.
type Event struct {
	From     Tier
	To       Tier
	Degraded bool
}

// Controller tracks which inference tier is active and when to degrade. It
// is the only cross-component shared mutable state in the pipeline; all
// mutation funnels through Start and ReportFailure under one mutex, so
// callers may treat it as a single-writer resource.
type Controller struct {
	mu        sync.Mutex
	chain     []Tier
	probes    map[Tier]Probe
	state     State
	activeIdx int
	observers []func(Event)
	log       *logrus.Entry
}

// NewController builds a controller over the given ordered chain. Probes
// are optional per tier; a tier without a probe is assumed available.
func NewController(chain []Tier, probes map[Tier]Probe, log *logrus.Entry) *Controller {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		chain:  chain,
		probes: probes,
		state:  StateProbing,
		log:    log.WithField("component", "fallback"),
	}
}

// OnTransition registers an observer. Each transition (including the final
// one into degraded) is delivered exactly once per registered observer.
// Must be called before Start.
func (c *Controller) OnTransition(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Start probes the chain in order; the first tier that initializes becomes
// active. Exhausting the chain degrades immediately.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateProbing {
		return fmt.Errorf("fallback: Start called twice")
	}
	if len(c.chain) == 0 {
		c.state = StateDegraded
		c.log.Error("no inference tiers configured")
		return ErrDegraded{}
	}
	for i := range c.chain {
		if err := c.probe(c.chain[i]); err != nil {
			c.log.WithField("tier", c.chain[i].String()).WithError(err).Info("tier probe failed")
			continue
		}
		c.activeIdx = i
		c.state = StateActive
		c.log.WithField("tier", c.chain[i].String()).Info("inference tier selected")
		return nil
	}
	c.degradeLocked(c.chain[len(c.chain)-1])
	return ErrDegraded{}
}

func (c *Controller) probe(t Tier) error {
	if p, ok := c.probes[t]; ok && p != nil {
		return p()
	}
	return nil
}

// CurrentTier returns the active tier. ok is false once degraded or before
// Start.
func (c *Controller) CurrentTier() (Tier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return 0, false
	}
	return c.chain[c.activeIdx], true
}

// Degraded reports whether the chain is exhausted.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateDegraded
}

// ReportFailure advances past the given tier. Reporting a tier that is no
// longer active is a no-op, which makes concurrent duplicate reports for
// the same failure safe.
func (c *Controller) ReportFailure(failed Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.chain[c.activeIdx] != failed {
		return
	}
	from := c.chain[c.activeIdx]
	for i := c.activeIdx + 1; i < len(c.chain); i++ {
		if err := c.probe(c.chain[i]); err != nil {
			c.log.WithField("tier", c.chain[i].String()).WithError(err).Info("tier probe failed")
			continue
		}
		c.activeIdx = i
		c.notifyLocked(Event{From: from, To: c.chain[i]})
		c.log.WithFields(logrus.Fields{"from": from.String(), "to": c.chain[i].String()}).Warn("inference tier downgraded")
		return
	}
	c.degradeLocked(from)
}

// degradeLocked is one-directional: once entered, the controller never
// attempts richer tiers again for the process lifetime.
func (c *Controller) degradeLocked(from Tier) {
	if c.state == StateDegraded {
		return
	}
	c.state = StateDegraded
	c.notifyLocked(Event{From: from, To: from, Degraded: true})
	c.log.Error("all inference tiers exhausted, entering degraded mode")
}

func (c *Controller) notifyLocked(ev Event) {
	for _, fn := range c.observers {
		fn(ev)
	}
}

// HasAcceleratedCPU reports whether the host CPU carries the vector
// extensions the on-device engine needs for real-time frame rates. Used as
// the default probe for TierCPU.
func HasAcceleratedCPU() bool {
	return cpu.X86.HasAVX2 || cpu.X86.HasSSE41 || cpu.ARM64.HasASIMD
}
