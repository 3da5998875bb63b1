//go:build mutex_debug
// +build mutex_debug

package hwq

import (
	"fmt"
	"sync"

	"github.com/timandy/routine"
)

var threadLocal routine.ThreadLocal = routine.NewThreadLocalWithInitial(func() any { return map[mutexKey]bool{} })

type mutexKey struct {
	Type string
	ID   uint32
}

type syncMutex struct {
	sync.Mutex
	mutexKey
}

func newSyncMutex(key mutexKey) syncMutex {
	return syncMutex{
		mutexKey: key,
	}
}

func checkMutex(state map[mutexKey]bool, add mutexKey) {
	if add.Type == "completion-queue" {
		// Two completion queue locks may only be held at once on the
		// paired scrub path, and only in ascending cqn order.
		for k := range state {
			if !state[k] {
				continue
			}
			if k.Type == "completion-queue" && k.ID >= add.ID {
				panic(fmt.Errorf("grabbing completion-queue lock %v and already have %v", add.ID, k.ID))
			}
			if k.Type == "doorbell-pool" {
				panic(fmt.Errorf("grabbing completion-queue lock %v while holding the doorbell pool lock", add.ID))
			}
		}
	}

	if add.Type == "doorbell-pool" {
		for k := range state {
			if state[k] && k.Type == "completion-queue" {
				panic(fmt.Errorf("grabbing doorbell pool lock while holding completion-queue lock %v", k.ID))
			}
		}
	}
}

func (s *syncMutex) Lock() {
	m := threadLocal.Get().(map[mutexKey]bool)
	checkMutex(m, s.mutexKey)
	m[s.mutexKey] = true
	s.Mutex.Lock()
}

func (s *syncMutex) Unlock() {
	m := threadLocal.Get().(map[mutexKey]bool)
	m[s.mutexKey] = false
	s.Mutex.Unlock()
}
