//go:build !mutex_debug
// +build !mutex_debug

package hwq

import (
	"sync"
)

type syncMutex = sync.Mutex

func newSyncMutex(mutexKey) syncMutex {
	return sync.Mutex{}
}

type mutexKey struct {
	Type string
	ID   uint32
}
