package manager

import "github.com/zhubert/relay-core/config"

// registryStore is the slice of the config record the registry writes
// through to. *config.Config satisfies it.
type registryStore interface {
	GetSessionID(channelKey string) string
	SetSessionID(channelKey, conversationID string) error
	ClearSessionID(channelKey string) (bool, error)
}

var _ registryStore = (*config.Config)(nil)

// Registry maps channels to captured conversation ids. Every mutation is
// written through to the config record, so ids survive engine restarts and
// later sessions on the channel resume where the last one left off.
type Registry struct {
	store registryStore
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(store registryStore) *Registry {
	return &Registry{store: store}
}

// Get returns the conversation id captured for a channel.
func (r *Registry) Get(channelKey string) (string, bool) {
	id := r.store.GetSessionID(channelKey)
	return id, id != ""
}

// Put records a channel's conversation id and persists the record.
func (r *Registry) Put(channelKey, conversationID string) error {
	return r.store.SetSessionID(channelKey, conversationID)
}

// Clear forgets a channel's conversation id, so the next session starts a
// fresh conversation. Returns false when nothing was stored.
func (r *Registry) Clear(channelKey string) (bool, error) {
	return r.store.ClearSessionID(channelKey)
}
