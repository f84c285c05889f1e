package md

import (
	"slices"
	"sync"

	"github.com/STTM-NSU/trading-gateway/internal/model"
)

type priceBook struct {
	mu      sync.RWMutex
	size    int
	latest  model.PriceTick
	seen    bool
	history []model.PriceTick
}

func newPriceBook(size int) *priceBook {
	return &priceBook{size: size, history: make([]model.PriceTick, 0, size)}
}

// update records tick and returns it with a missing ask filled from the previous one.
func (b *priceBook) update(tick model.PriceTick) model.PriceTick {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tick.Ask <= 0 {
		tick.Ask = b.latest.Ask
		if tick.Ask <= 0 {
			tick.Ask = tick.Bid
		}
	}

	b.latest, b.seen = tick, true
	if len(b.history) == b.size {
		copy(b.history, b.history[1:])
		b.history[b.size-1] = tick
	} else {
		b.history = append(b.history, tick)
	}
	return tick
}

func (b *priceBook) last() (model.PriceTick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.seen
}

func (b *priceBook) snapshot() []model.PriceTick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.history)
}
