package manager

import (
	"sort"
	"strings"
	"sync"

	"github.com/zhubert/relay-core/claude"
)

// promptDescriptionMaxLen bounds the prompt text echoed back in Busy
// rejections, so a pasted wall of text does not flood the rejection message.
const promptDescriptionMaxLen = 80

// Gate enforces one live session per channel. TryAcquire never blocks; a
// held channel is reported as busy along with what it is busy doing.
type Gate struct {
	mu     sync.Mutex
	active map[string]string // channelKey -> active prompt description
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{active: make(map[string]string)}
}

// TryAcquire claims a channel for a new session. On success the returned
// lease must be released when the session ends. A held channel yields a
// *claude.BusyError carrying the active prompt's description.
func (g *Gate) TryAcquire(channelKey, prompt string) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if desc, held := g.active[channelKey]; held {
		return nil, &claude.BusyError{ChannelKey: channelKey, ActivePrompt: desc}
	}
	g.active[channelKey] = describePrompt(prompt)
	return &Lease{gate: g, channelKey: channelKey}, nil
}

// ActiveChannels returns the channels currently holding a lease, sorted.
func (g *Gate) ActiveChannels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	channels := make([]string, 0, len(g.active))
	for channel := range g.active {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

// ActivePrompt returns the prompt description a channel is busy with.
func (g *Gate) ActivePrompt(channelKey string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	desc, held := g.active[channelKey]
	return desc, held
}

func (g *Gate) release(channelKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, channelKey)
}

// Lease is a claim on a channel. Release is idempotent.
type Lease struct {
	gate       *Gate
	channelKey string
	once       sync.Once
}

// Release frees the channel for the next session.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.gate.release(l.channelKey)
	})
}

// describePrompt flattens a prompt to a single bounded line for busy
// rejections and logs.
func describePrompt(prompt string) string {
	desc := strings.Join(strings.Fields(prompt), " ")
	if len(desc) > promptDescriptionMaxLen {
		desc = desc[:promptDescriptionMaxLen-3] + "..."
	}
	return desc
}
