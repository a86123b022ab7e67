package session

import (
	"context"
	"sync"

	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/djbox/internal/domain/settings"
)

// persister saves settings changes off the session loops. Only the latest
// value per guild is kept while a save is in flight.
type persister struct {
	store SettingsStore

	mu      sync.Mutex
	pending map[snowflake.ID]settings.Guild

	wake   chan struct{}
	closed chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newPersister(store SettingsStore) *persister {
	p := &persister{
		store:   store,
		pending: make(map[snowflake.ID]settings.Guild),
		wake:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(guildID snowflake.ID, g settings.Guild) {
	p.mu.Lock()
	p.pending[guildID] = g
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.flush()
		case <-p.closed:
			p.flush()
			return
		}
	}
}

func (p *persister) flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[snowflake.ID]settings.Guild)
	p.mu.Unlock()

	for guildID, g := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := p.store.Save(ctx, guildID, g); err != nil {
			zlog.Error().Msgf("session: failed to save settings for guild %s: %v", guildID, err)
		} else {
			zlog.Debug().Msgf("session: saved settings for guild %s", guildID)
		}
		cancel()
	}
}

// close saves what is pending and stops the worker.
func (p *persister) close() {
	p.once.Do(func() { close(p.closed) })
	<-p.done
}
