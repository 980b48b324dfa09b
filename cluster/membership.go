package cluster

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type WriterState uint8

const (
	WriterActive WriterState = iota + 1
	WriterRevoked
)

func (s WriterState) String() string {
	switch s {
	case WriterActive:
		return "active"
	case WriterRevoked:
		return "revoked"
	}
	return "unknown"
}

// Ledger 当前的写者集合，只由 Engine 在应用操作时修改
type Ledger struct {
	mu      sync.RWMutex
	writers map[string]WriterState
	active  int
}

func newLedger(genesis []string) *Ledger {
	l := &Ledger{}
	l.reset(genesis)
	return l
}

func (l *Ledger) IsActive(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.writers[id] == WriterActive
}

// ActiveWriters 按字典序返回
func (l *Ledger) ActiveWriters() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, l.active)
	for _, id := range maps.Keys(l.writers) {
		if l.writers[id] == WriterActive {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Len 活跃写者数量
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

func (l *Ledger) State(id string) (WriterState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.writers[id]
	return s, ok
}

// add 已经是活跃状态时什么都不做
func (l *Ledger) add(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writers[id] == WriterActive {
		return false
	}
	l.writers[id] = WriterActive
	l.active++
	return true
}

// remove 不是活跃写者时什么都不做
func (l *Ledger) remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writers[id] != WriterActive {
		return false
	}
	l.writers[id] = WriterRevoked
	l.active--
	return true
}

func (l *Ledger) reset(genesis []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = make(map[string]WriterState, len(genesis))
	l.active = 0
	for _, id := range genesis {
		if l.writers[id] != WriterActive {
			l.writers[id] = WriterActive
			l.active++
		}
	}
}
