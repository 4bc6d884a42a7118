package spiflash

// State is the driver's view of the device.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateRecovering
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRecovering:
		return "recovering"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Stats counts recovery activity since the Chip was created.
type Stats struct {
	// Transitions counts every state change.
	Transitions int
	// Resets counts soft resets (0x66/0x99) issued.
	Resets int
	// StuckResets counts resets triggered by a wedged status register.
	StuckResets int
	// Recoveries counts bus resets after transfer faults.
	Recoveries int
	// Retries counts reads retried after a successful recovery.
	Retries int
	// Timeouts counts WaitForReady calls that ran out of ticks.
	Timeouts int
}

// TransitionFunc observes state changes.
type TransitionFunc func(from, to State)

func (c *Chip) transition(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.stats.Transitions++
	c.log.Debug("flash state", "from", from.String(), "to", to.String())
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(from, to)
	}
}

// recoverWith runs fn inside the Recovering state. An identity mismatch leaves
// the chip Faulted; any other outcome returns to the state it came from.
func (c *Chip) recoverWith(fn func() error) error {
	prev := c.state
	c.transition(StateRecovering)
	err := fn()
	if isIDMismatch(err) {
		c.transition(StateFaulted)
		return err
	}
	c.transition(prev)
	return err
}
