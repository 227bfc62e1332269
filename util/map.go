// This file is part of bfcp, a Binary Floor Control Protocol connection
// engine written in Go.
//
// bfcp is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// bfcp is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later

package util

import (
	"math/rand"
	"sync"
)

//----------------------------------------------------------------------
// ID list of active map processes:
// An active process (wrapped in a 'Process()' or 'ProcessRange()' call)
// locks map access only once around the whole process, so calls to map
// methods from within it are safe without re-acquiring the lock. This is
// what lets the peer table be iterated (ProcessRange) while individual
// entries are inspected with Get without deadlocking on the same goroutine.
//----------------------------------------------------------------------

// pidList is a thread-safe list of active process IDs.
type pidList struct {
	sync.RWMutex
	ids map[int]struct{}
}

func newPIDList() *pidList {
	return &pidList{ids: make(map[int]struct{})}
}

func (pl *pidList) add(pid int) {
	pl.Lock()
	defer pl.Unlock()
	pl.ids[pid] = struct{}{}
}

func (pl *pidList) remove(pid int) {
	pl.Lock()
	defer pl.Unlock()
	delete(pl.ids, pid)
}

func (pl *pidList) contains(pid int) bool {
	pl.RLock()
	defer pl.RUnlock()
	_, ok := pl.ids[pid]
	return ok
}

//----------------------------------------------------------------------
// Thread-safe map implementation
//----------------------------------------------------------------------

// Map associates comparable keys with values of any type under a single
// RWMutex. Used for the peer table (socket handle -> peer channel), which
// is accessed from the event-loop goroutine and from foreign goroutines
// (AddClient, RemoveClient, Send), so every access is locked.
type Map[K comparable, V any] struct {
	sync.RWMutex

	list      map[K]V
	inProcess *pidList
}

// NewMap allocates a new, empty Map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		list:      make(map[K]V),
		inProcess: newPIDList(),
	}
}

// Process runs f while holding the map lock once; calls to other Map
// methods made from within f reuse the same lock instead of deadlocking.
func (m *Map[K, V]) Process(f func(pid int) error, readonly bool) error {
	m.lock(readonly, 0)
	pid := NextID()
	m.inProcess.add(pid)
	defer func() {
		m.inProcess.remove(pid)
		m.unlock(readonly, 0)
	}()
	return f(pid)
}

// ProcessRange ranges over the map while holding the lock once, calling f
// for every entry. Returning an error from f stops the iteration early.
func (m *Map[K, V]) ProcessRange(f func(key K, value V, pid int) error, readonly bool) error {
	m.lock(readonly, 0)
	pid := NextID()
	m.inProcess.add(pid)
	defer func() {
		m.inProcess.remove(pid)
		m.unlock(readonly, 0)
	}()
	for key, value := range m.list {
		if err := f(key, value, pid); err != nil {
			return err
		}
	}
	return nil
}

//----------------------------------------------------------------------

// Size returns the number of entries in the map.
func (m *Map[K, V]) Size() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.list)
}

// Put stores value under key.
func (m *Map[K, V]) Put(key K, value V, pid int) {
	m.lock(false, pid)
	defer m.unlock(false, pid)
	m.list[key] = value
}

// Get retrieves the value stored under key.
func (m *Map[K, V]) Get(key K, pid int) (value V, ok bool) {
	m.lock(true, pid)
	defer m.unlock(true, pid)
	value, ok = m.list[key]
	return
}

// GetRandom returns an entry chosen at random, or ok == false if the map
// is empty.
func (m *Map[K, V]) GetRandom(pid int) (key K, value V, ok bool) {
	m.lock(true, pid)
	defer m.unlock(true, pid)

	if size := len(m.list); size > 0 {
		idx := rand.Intn(size) //nolint:gosec // selection only, not security-sensitive
		for key, value = range m.list {
			if idx == 0 {
				ok = true
				return
			}
			idx--
		}
	}
	return
}

// Delete removes key (a no-op if absent).
func (m *Map[K, V]) Delete(key K, pid int) {
	m.lock(false, pid)
	defer m.unlock(false, pid)
	delete(m.list, key)
}

//----------------------------------------------------------------------

func (m *Map[K, V]) lock(readonly bool, pid int) {
	if !m.inProcess.contains(pid) {
		if readonly {
			m.RLock()
		} else {
			m.Lock()
		}
	}
}

func (m *Map[K, V]) unlock(readonly bool, pid int) {
	if !m.inProcess.contains(pid) {
		if readonly {
			m.RUnlock()
		} else {
			m.Unlock()
		}
	}
}
