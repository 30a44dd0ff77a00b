package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Parley/internal/protocol"
)

// Manager wraps a Store with the escalating cleanup sequence applied when a
// write exceeds the storage budget. Quota pressure is a recoverable
// condition, never a fatal one, and a failed save for one room must not
// destroy other rooms' data.
type Manager struct {
	store *Store
}

func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) Store() *Store { return m.store }

func (m *Manager) Load(room string) ([]protocol.Envelope, error) {
	return m.store.Load(room)
}

// SaveWithQuota persists the room's window, escalating through the cleanup
// ladder on budget failures:
//  1. drop records for rooms absent from the authoritative list
//  2. halve the age retention window repeatedly (1/2 .. 1/128)
//  3. keep only the most recent half of the record being written
//
// Each step retries the save. ErrQuotaExhausted reports final failure.
func (m *Manager) SaveWithQuota(room string, msgs []protocol.Envelope, liveRooms []string) error {
	err := m.store.Save(room, msgs)
	if err == nil || !errors.Is(err, ErrBudgetExceeded) {
		return err
	}

	// Step 1: rooms that no longer exist don't deserve cache space.
	// The room being written is never purged. An empty liveRooms means the
	// room list is unknown (the lobby scope has not delivered it yet), not
	// that no rooms exist, so the step is skipped rather than purging
	// every other room's history.
	if len(liveRooms) > 0 && m.purgeDeadRooms(room, liveRooms) {
		if err = m.store.Save(room, msgs); err == nil || !errors.Is(err, ErrBudgetExceeded) {
			return err
		}
	}

	// Step 2: shrink the age window by successive halving.
	for div := 2; div <= 128; div *= 2 {
		cutoff := m.store.now().Add(-m.store.maxAge / time.Duration(div))
		removed, perr := m.store.PurgeOlderThan(cutoff, room)
		if perr != nil {
			return fmt.Errorf("quota purge: %w", perr)
		}
		if removed == 0 {
			continue
		}
		if err = m.store.Save(room, msgs); err == nil || !errors.Is(err, ErrBudgetExceeded) {
			return err
		}
	}

	// Step 3: the record itself is too big; keep its most recent half.
	if len(msgs) > 1 {
		half := msgs[len(msgs)/2:]
		if err = m.store.Save(room, half); err == nil || !errors.Is(err, ErrBudgetExceeded) {
			return err
		}
	}

	log.Warn().Str("module", "cache").Str("room", room).Msg("save abandoned: quota escalation exhausted")
	return ErrQuotaExhausted
}

// purgeDeadRooms removes records for rooms missing from the authoritative
// room list. Reports whether anything was removed.
func (m *Manager) purgeDeadRooms(active string, liveRooms []string) bool {
	persisted, err := m.store.Rooms()
	if err != nil {
		log.Error().Err(err).Str("module", "cache").Msg("list persisted rooms")
		return false
	}
	removed := false
	for room := range persisted {
		if room == active || lo.Contains(liveRooms, room) {
			continue
		}
		if err := m.store.Delete(room); err != nil {
			log.Error().Err(err).Str("module", "cache").Str("room", room).Msg("purge dead room")
			continue
		}
		removed = true
	}
	return removed
}
