package core

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Parley/internal/domain"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	name  domain.RoomName
	mu    sync.RWMutex
	bySID map[SessionID]MemberSession
}

func NewRoomService(name domain.RoomName) RoomService {
	return &roomImpl{
		name:  name,
		bySID: make(map[SessionID]MemberSession),
	}
}

func (r *roomImpl) Name() domain.RoomName { return r.name }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(lo.Values(r.bySID), func(ms MemberSession, _ int) string {
		return string(ms.Meta().Name)
	})
}

func (r *roomImpl) Add(sid SessionID, ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[sid] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("sid", string(sid)).Str("user", string(ms.Meta().Name)).Msg("member added")
}

func (r *roomImpl) Remove(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.name)).Str("sid", string(sid)).Msg("member removed")
}

func (r *roomImpl) Rename(sid SessionID, name domain.Username) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ms, ok := r.bySID[sid]
	if !ok {
		return false
	}
	if err := ms.Meta().Rename(name); err != nil {
		return false
	}
	return true
}

// Broadcast delivers data to every member, sender included. Clients render
// their own messages from this echo, so it is never skipped.
func (r *roomImpl) Broadcast(data Frame) PublishResult {
	return r.fanOut("", data)
}

// BroadcastExcept delivers to everyone but except (join announcements).
func (r *roomImpl) BroadcastExcept(except SessionID, data Frame) PublishResult {
	return r.fanOut(except, data)
}

func (r *roomImpl) fanOut(except SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == except {
			continue
		}
		if err := m.Conn().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.room").Str("room", string(r.name)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
