package logship

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ShipFunc posts one batch of entries; an error keeps the cursor
// unchanged so the next cycle retries the same window.
type ShipFunc func(ctx context.Context, entries []Entry) error

// Shipper drives all configured sources through one collect-ship-
// persist cycle. Source failures are isolated: a broken journalctl
// never stops syslog shipping.
type Shipper struct {
	sources     []Source
	store       *Store
	ship        ShipFunc
	maxSeverity int
	log         *logrus.Logger
}

func NewShipper(store *Store, ship ShipFunc, maxSeverity int, log *logrus.Logger) *Shipper {
	if log == nil {
		log = logrus.New()
	}
	return &Shipper{store: store, ship: ship, maxSeverity: maxSeverity, log: log}
}

func (s *Shipper) AddSource(src Source) {
	s.sources = append(s.sources, src)
}

// RunCycle collects and ships each source once.
func (s *Shipper) RunCycle(ctx context.Context) {
	for _, src := range s.sources {
		if ctx.Err() != nil {
			return
		}
		if err := s.runSource(ctx, src); err != nil {
			s.log.WithError(err).WithField("source", src.Name()).Warn("log collection failed")
		}
	}
}

func (s *Shipper) runSource(ctx context.Context, src Source) error {
	cursor, err := s.store.Load(src.Name())
	if err != nil {
		return err
	}

	entries, next, err := src.Collect(ctx, cursor)
	if err != nil {
		return err
	}

	filtered := entries[:0]
	for _, e := range entries {
		if e.Severity <= s.maxSeverity {
			filtered = append(filtered, e)
		}
	}

	if len(filtered) > 0 {
		if err := s.ship(ctx, filtered); err != nil {
			// Cursor stays put; the same window re-ships next cycle.
			return err
		}
	}
	return s.store.Save(src.Name(), next)
}
