package connectivity

import (
	"net"
	"time"
)

// LinkState reports whether the machine has a plausible network path at
// all, before any probe traffic is spent. Implementations should be
// cheap; the monitor consults Up on every probe.
type LinkState interface {
	// Up reports whether any usable network interface is available.
	Up() bool
	// Changes delivers a signal whenever the link state may have
	// changed. Deliveries may be coalesced or spurious; the monitor
	// re-probes to find the truth.
	Changes() <-chan struct{}
}

// InterfaceLink derives link state by polling the kernel's interface
// list. An interface counts when it is up and not a loopback.
type InterfaceLink struct {
	interval time.Duration
	changes  chan struct{}
	stopCh   chan struct{}
}

// InterfaceLinkOption configures an InterfaceLink.
type InterfaceLinkOption func(*InterfaceLink)

// WithPollInterval sets how often the interface list is re-read.
func WithPollInterval(d time.Duration) InterfaceLinkOption {
	return func(l *InterfaceLink) {
		l.interval = d
	}
}

// NewInterfaceLink creates a polling link watcher. Call Stop when done.
func NewInterfaceLink(opts ...InterfaceLinkOption) *InterfaceLink {
	l := &InterfaceLink{
		interval: 3 * time.Second,
		changes:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.poll()

	return l
}

// Up reports whether any non-loopback interface is up.
func (l *InterfaceLink) Up() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		// Can't enumerate interfaces, assume a path exists and let
		// the probe decide.
		return true
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			return true
		}
	}
	return false
}

// Changes delivers coalesced link change signals.
func (l *InterfaceLink) Changes() <-chan struct{} {
	return l.changes
}

// Stop terminates the background poll loop.
func (l *InterfaceLink) Stop() {
	close(l.stopCh)
}

func (l *InterfaceLink) poll() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	last := l.Up()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			cur := l.Up()
			if cur != last {
				last = cur
				select {
				case l.changes <- struct{}{}:
				default:
				}
			}
		}
	}
}
