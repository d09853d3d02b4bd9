package account

import (
	"sort"
	"sync"
	"time"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// universe is the per-date tradable instrument list of a strategy.
// Each dated entry is the full member list effective from that day;
// lookups floor to the latest entry at or before the date. Member
// order is insertion order, which doubles as priority.
type universe struct {
	mu      sync.Mutex
	entries []universeEntry
}

type universeEntry struct {
	date    time.Time
	members []int64
}

func newUniverse() *universe {
	return &universe{}
}

func (u *universe) add(date time.Time, id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	members := u.floorLocked(date)
	for _, m := range members {
		if m == id {
			return
		}
	}
	u.setLocked(date, append(members, id))
}

func (u *universe) remove(date time.Time, id int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	members := u.floorLocked(date)
	out := make([]int64, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	u.setLocked(date, out)
}

func (u *universe) at(date time.Time) []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int64(nil), u.floorLocked(date)...)
}

// floorLocked returns the member list effective at the date. Requires
// u.mu held.
func (u *universe) floorLocked(date time.Time) []int64 {
	day := domain.Day(date)
	i := sort.Search(len(u.entries), func(i int) bool { return u.entries[i].date.After(day) })
	if i == 0 {
		return nil
	}
	return u.entries[i-1].members
}

// setLocked records the member list effective from the date. Requires
// u.mu held.
func (u *universe) setLocked(date time.Time, members []int64) {
	day := domain.Day(date)
	i := sort.Search(len(u.entries), func(i int) bool { return !u.entries[i].date.Before(day) })
	if i < len(u.entries) && u.entries[i].date.Equal(day) {
		u.entries[i].members = members
		return
	}
	u.entries = append(u.entries, universeEntry{})
	copy(u.entries[i+1:], u.entries[i:])
	u.entries[i] = universeEntry{date: day, members: members}
}
