package tu

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/ghettovoice/siptu/sip"
)

// ProxyBranch is the shared state of one proxied inbound request.
//
// The upstream server transaction is counted once by the branch, not by every
// handle that relays its responses. Derived handles created for forked
// downstream responses are associated with the same branch, and the first
// final response resolves it for all of them.
type ProxyBranch struct {
	upstream   *sip.Request
	downstream *sip.Request

	mu       sync.Mutex
	count    int
	resolved bool
	winner   HandleID
	handles  []*Handle
}

func newProxyBranch(upstream, downstream *sip.Request) *ProxyBranch {
	return &ProxyBranch{
		upstream:   upstream,
		downstream: downstream,
		count:      1,
	}
}

// Upstream returns the proxied inbound request.
func (b *ProxyBranch) Upstream() *sip.Request { return b.upstream }

// Downstream returns the forwarded request.
func (b *ProxyBranch) Downstream() *sip.Request { return b.downstream }

// Branch returns the Via branch of the forwarded request.
func (b *ProxyBranch) Branch() string { return b.downstream.Branch() }

// Count returns the number of open transactions of the branch.
func (b *ProxyBranch) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// IsResolved reports whether a final response was received.
func (b *ProxyBranch) IsResolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolved
}

// Winner returns the handle that received the first final response.
func (b *ProxyBranch) Winner() (HandleID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.winner, b.resolved
}

// Handles returns the handles associated with the branch.
func (b *ProxyBranch) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.handles)
}

func (b *ProxyBranch) associate(h *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.handles, h) {
		b.handles = append(b.handles, h)
	}
}

func (b *ProxyBranch) dissociate(h *Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = slices.DeleteFunc(b.handles, func(h2 *Handle) bool { return h2 == h })
}

// Resolve completes the branch with the final response received by h.
// Only the first call has effect; it decrements the shared counter and lets
// every other associated handle be reclaimed once it is idle.
func (b *ProxyBranch) Resolve(h *Handle) bool {
	b.mu.Lock()
	if b.resolved {
		b.mu.Unlock()
		return false
	}
	b.resolved = true
	b.winner = h.id
	b.count = max(b.count-1, 0)
	others := slices.DeleteFunc(slices.Clone(b.handles), func(h2 *Handle) bool { return h2 == h })
	b.mu.Unlock()

	for _, h2 := range others {
		h2.reuseIfIdle()
	}
	return true
}

func (b *ProxyBranch) LogValue() slog.Value {
	if b == nil {
		return slog.Value{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return slog.GroupValue(
		slog.String("branch", b.downstream.Branch()),
		slog.Int("count", b.count),
		slog.Bool("resolved", b.resolved),
		slog.Int("handles", len(b.handles)),
	)
}
