package evworker

import (
	"context"
	"sync"

	coreconfig "github.com/AzielCF/az-filter/core/config"
	"github.com/sirupsen/logrus"
)

var (
	globalPool     *EventWorkerPool
	globalPoolOnce sync.Once
	globalCancel   context.CancelFunc
)

// GetGlobalPool returns the singleton event worker pool
func GetGlobalPool() *EventWorkerPool {
	globalPoolOnce.Do(func() {
		var globalPoolCtx context.Context
		globalPoolCtx, globalCancel = context.WithCancel(context.Background())

		size := 8
		queue := 256
		if coreconfig.Global != nil {
			if coreconfig.Global.WorkerPool.Size > 0 {
				size = coreconfig.Global.WorkerPool.Size
			}
			if coreconfig.Global.WorkerPool.QueueSize > 0 {
				queue = coreconfig.Global.WorkerPool.QueueSize
			}
		}

		globalPool = NewEventWorkerPool(size, queue)
		globalPool.Start(globalPoolCtx)
		logrus.Infof("[EV_WORKER_POOL] Global instance started with %d workers and queue size %d", size, queue)
	})
	return globalPool
}

// StopGlobalPool stops the singleton pool
func StopGlobalPool() {
	if globalCancel != nil {
		globalCancel()
	}
	if globalPool != nil {
		globalPool.Stop()
	}
}

// GetGlobalStats returns stats from the global pool
func GetGlobalStats() PoolStats {
	return GetGlobalPool().GetStats()
}
