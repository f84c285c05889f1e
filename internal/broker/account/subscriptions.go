package account

import (
	"context"
	"sort"
)

func (ch changes) instruments() []string {
	seen := make(map[string]struct{}, len(ch.positions))
	for _, pos := range ch.positions {
		if pos.Instrument != "" {
			seen[pos.Instrument] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// syncSubscriptions subscribes every instrument that still has open positions
// in the ledger and releases the rest. The ledger is read at call time, so
// late runs never undo a newer state.
func (s *Stream) syncSubscriptions(ctx context.Context, instruments []string) {
	if s.subscriber == nil || len(instruments) == 0 {
		return
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, name := range instruments {
		if len(s.portfolio.PositionsFor(name)) > 0 {
			if err := s.subscriber.Subscribe(ctx, name); err != nil {
				s.logger.Warnf("%s: can't subscribe to %s", err, name)
			}
			continue
		}
		if err := s.subscriber.Release(ctx, name); err != nil {
			s.logger.Warnf("%s: can't release %s", err, name)
		}
	}
}
