package segment

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// AutoSender runs the commit countdown for accumulated continuous-mode text.
// Arm starts (or restarts) the countdown; Cancel kills the pending firing
// outright rather than postponing it. The generation guard makes a
// cancelled countdown provably inert even though the underlying debouncer
// cannot be stopped.
type AutoSender struct {
	fire func()

	mu   sync.Mutex
	gen  uint64
	deb  func(func())
}

func NewAutoSender(delay time.Duration, fire func()) *AutoSender {
	if delay <= 0 {
		delay = time.Second
	}
	return &AutoSender{fire: fire, deb: debounce.New(delay)}
}

// Arm schedules the commit after the configured delay. Calling Arm again
// restarts the countdown.
func (a *AutoSender) Arm() {
	a.mu.Lock()
	gen := a.gen
	deb := a.deb
	a.mu.Unlock()

	deb(func() {
		a.mu.Lock()
		live := gen == a.gen
		a.mu.Unlock()
		if live {
			a.fire()
		}
	})
}

// Cancel invalidates any pending countdown.
func (a *AutoSender) Cancel() {
	a.mu.Lock()
	a.gen++
	a.mu.Unlock()
}
