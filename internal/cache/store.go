// Package cache persists a bounded per-room message window in the client's
// local store and keeps it inside a byte and age budget.
package cache

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/config"
	"github.com/dkeye/Parley/internal/protocol"
)

// schemaVersion tags every persisted record. Records with a mismatched or
// missing tag are treated as invalid and discarded on read.
const schemaVersion = 1

var keyPrefix = []byte("room:")

var (
	ErrBudgetExceeded = errors.New("storage budget exceeded")
	ErrQuotaExhausted = errors.New("storage quota escalation exhausted")
)

type record struct {
	V       int                 `json:"v"`
	SavedAt int64               `json:"savedAt"` // unix ms, last write
	Msgs    []protocol.Envelope `json:"msgs"`
}

// Store owns the persisted records, keyed by room id. The byte budget is
// enforced over the sum of all records at write time.
type Store struct {
	db     *badger.DB
	budget int64
	retain int
	maxAge time.Duration

	now func() time.Time // test seam
}

func NewStore(db *badger.DB, limits config.Limits) *Store {
	return &Store{
		db:     db,
		budget: limits.StorageMaxBytes,
		retain: limits.MaxMessages,
		maxAge: limits.MaxAge(),
		now:    time.Now,
	}
}

func roomKey(room string) []byte {
	return append(append([]byte{}, keyPrefix...), room...)
}

// Load returns the retained window for a room, most-recent-last. A missing
// record is an empty history; a corrupt or version-mismatched one is
// discarded on the spot.
func (s *Store) Load(room string) ([]protocol.Envelope, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(room))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil || rec.V != schemaVersion {
		log.Warn().Str("module", "cache").Str("room", room).Msg("discarding invalid cached record")
		_ = s.Delete(room)
		return nil, nil
	}
	return rec.Msgs, nil
}

// Save filters to persistable kinds, strips file payloads, trims to the
// retained count and writes. ErrBudgetExceeded means the caller must run
// the quota escalation; nothing was written.
func (s *Store) Save(room string, msgs []protocol.Envelope) error {
	data, err := s.encode(msgs)
	if err != nil {
		return err
	}
	used, err := s.usedBytesExcept(room)
	if err != nil {
		return err
	}
	if used+int64(len(data)) > s.budget {
		return ErrBudgetExceeded
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomKey(room), data)
	})
}

func (s *Store) encode(msgs []protocol.Envelope) ([]byte, error) {
	rec := record{
		V:       schemaVersion,
		SavedAt: s.now().UnixMilli(),
		Msgs:    Persistable(msgs, s.retain),
	}
	return json.Marshal(rec)
}

// Persistable filters a window to the kinds worth keeping (status, text,
// file metadata), strips file payload bytes and trims to the most recent
// retain entries.
func Persistable(msgs []protocol.Envelope, retain int) []protocol.Envelope {
	out := make([]protocol.Envelope, 0, len(msgs))
	for _, m := range msgs {
		if !m.Persistable() {
			continue
		}
		out = append(out, m.StripPayload())
	}
	if len(out) > retain {
		out = out[len(out)-retain:]
	}
	return out
}

func (s *Store) Delete(room string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(roomKey(room))
	})
}

// Rooms lists persisted room ids with their last-write timestamps.
func (s *Store) Rooms() (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			room := string(item.Key()[len(keyPrefix):])
			err := item.Value(func(v []byte) error {
				var rec record
				if err := json.Unmarshal(v, &rec); err != nil || rec.V != schemaVersion {
					out[room] = time.Time{} // invalid, reads as infinitely old
					return nil
				}
				out[room] = time.UnixMilli(rec.SavedAt)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UsedBytes reports the persisted footprint across all rooms.
func (s *Store) UsedBytes() (int64, error) {
	return s.usedBytesExcept("")
}

func (s *Store) usedBytesExcept(room string) (int64, error) {
	skip := roomKey(room)
	var total int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(keyPrefix); it.ValidForPrefix(keyPrefix); it.Next() {
			item := it.Item()
			if room != "" && string(item.Key()) == string(skip) {
				continue
			}
			total += int64(len(item.Key())) + item.ValueSize()
		}
		return nil
	})
	return total, err
}

// PurgeOlderThan removes records whose last write predates cutoff, plus any
// corrupt records found along the way. Returns the number removed.
func (s *Store) PurgeOlderThan(cutoff time.Time, keep string) (int, error) {
	rooms, err := s.Rooms()
	if err != nil {
		return 0, err
	}
	removed := 0
	for room, savedAt := range rooms {
		if room == keep {
			continue
		}
		if savedAt.Before(cutoff) {
			if err := s.Delete(room); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		log.Info().Str("module", "cache").Int("removed", removed).Time("cutoff", cutoff).Msg("purged aged records")
	}
	return removed, nil
}
