package evworker

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// EventJob representa el fan-out de un evento del motor de filtros. Jobs for
// the same owner land on the same worker, so one owner's events keep their
// mutation order all the way to webhooks and websocket clients.
type EventJob struct {
	Owner   string
	Handler func(ctx context.Context) error
}

// PoolStats contiene métricas en tiempo real del worker pool
type PoolStats struct {
	NumWorkers      int            `json:"num_workers"`
	QueueSize       int            `json:"queue_size"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalDispatched int64          `json:"total_dispatched"`
	TotalProcessed  int64          `json:"total_processed"`
	TotalDropped    int64          `json:"total_dropped"`
	TotalErrors     int64          `json:"total_errors"`
	WorkerStats     []WorkerStats  `json:"worker_stats"`
	ActiveOwners    map[string]int `json:"active_owners"` // owner -> worker_id
}

// WorkerStats contiene métricas por worker individual
type WorkerStats struct {
	WorkerID      int   `json:"worker_id"`
	QueueDepth    int   `json:"queue_depth"`
	IsProcessing  bool  `json:"is_processing"`
	JobsProcessed int64 `json:"jobs_processed"`
}

type activeOwnerEntry struct {
	workerID  int
	updatedAt time.Time
}

// EventWorkerPool maneja un pool de workers para el despacho de eventos,
// particionado por owner.
type EventWorkerPool struct {
	numWorkers int
	queueSize  int
	workers    []*worker
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopped    int32
	stopCh     chan struct{}

	// Métricas
	totalDispatched int64
	totalProcessed  int64
	totalDropped    int64
	totalErrors     int64
	activeOwnersMu  sync.RWMutex
	activeOwners    map[string]activeOwnerEntry
	startTime       time.Time
}

type worker struct {
	id            int
	jobQueue      chan EventJob
	ctx           context.Context
	cancel        context.CancelFunc
	isProcessing  int32 // atomic: 1 if processing, 0 if idle
	jobsProcessed int64 // atomic counter
	pool          *EventWorkerPool
}

// NewEventWorkerPool crea un nuevo pool de workers para eventos
func NewEventWorkerPool(numWorkers, queueSize int) *EventWorkerPool {
	if numWorkers <= 0 {
		numWorkers = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	return &EventWorkerPool{
		numWorkers:   numWorkers,
		queueSize:    queueSize,
		workers:      make([]*worker, numWorkers),
		activeOwners: make(map[string]activeOwnerEntry),
		stopCh:       make(chan struct{}),
		startTime:    time.Now(),
	}
}

// Start inicia todos los workers del pool
func (p *EventWorkerPool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				now := time.Now()
				p.activeOwnersMu.Lock()
				for k, v := range p.activeOwners {
					if !v.updatedAt.IsZero() && now.Sub(v.updatedAt) > 2*time.Second {
						delete(p.activeOwners, k)
					}
				}
				p.activeOwnersMu.Unlock()
			}
		}
	}()

	for i := 0; i < p.numWorkers; i++ {
		workerCtx, cancel := context.WithCancel(ctx)
		w := &worker{
			id:       i,
			jobQueue: make(chan EventJob, p.queueSize),
			ctx:      workerCtx,
			cancel:   cancel,
			pool:     p,
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(&p.wg)
	}

	logrus.Infof("[EV_WORKER_POOL] Started with %d workers, queue size: %d", p.numWorkers, p.queueSize)
}

// TryDispatch encola un job en el worker del owner (no bloqueante) y retorna
// si pudo encolarse. Útil para aplicar backpressure.
func (p *EventWorkerPool) TryDispatch(job EventJob) bool {
	if atomic.LoadInt32(&p.stopped) == 1 {
		atomic.AddInt64(&p.totalDropped, 1)
		return false
	}

	shard := p.shardForOwner(job.Owner)
	atomic.AddInt64(&p.totalDispatched, 1)

	p.activeOwnersMu.Lock()
	p.activeOwners[job.Owner] = activeOwnerEntry{workerID: shard, updatedAt: time.Now()}
	p.activeOwnersMu.Unlock()

	sent := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				ok = false
			}
		}()
		select {
		case p.workers[shard].jobQueue <- job:
			return true
		default:
			return false
		}
	}()

	if sent {
		return true
	}
	p.activeOwnersMu.Lock()
	delete(p.activeOwners, job.Owner)
	p.activeOwnersMu.Unlock()

	atomic.AddInt64(&p.totalDropped, 1)
	logrus.Warnf("[EV_WORKER_POOL] Worker %d queue full (or stopped), dropping job for %s", shard, job.Owner)
	return false
}

// Dispatch encola un job descartándolo silenciosamente si la cola está llena
func (p *EventWorkerPool) Dispatch(job EventJob) {
	_ = p.TryDispatch(job)
}

// Stop detiene el pool de forma graceful
func (p *EventWorkerPool) Stop() {
	p.stopOnce.Do(func() {
		atomic.StoreInt32(&p.stopped, 1)
		close(p.stopCh)
		logrus.Info("[EV_WORKER_POOL] Stopping workers...")

		for _, w := range p.workers {
			w.cancel()
			close(w.jobQueue)
		}

		p.wg.Wait()

		logrus.Info("[EV_WORKER_POOL] All workers stopped")
	})
}

// shardForOwner calcula el worker para un owner usando hash consistente
func (p *EventWorkerPool) shardForOwner(owner string) int {
	h := fnv.New32a()
	h.Write([]byte(owner))
	return int(h.Sum32() % uint32(p.numWorkers))
}

// GetStats retorna estadísticas en tiempo real del pool
func (p *EventWorkerPool) GetStats() PoolStats {
	workerStats := make([]WorkerStats, len(p.workers))
	activeWorkers := 0

	for i, w := range p.workers {
		isProcessing := atomic.LoadInt32(&w.isProcessing) == 1
		if isProcessing {
			activeWorkers++
		}

		workerStats[i] = WorkerStats{
			WorkerID:      w.id,
			QueueDepth:    len(w.jobQueue),
			IsProcessing:  isProcessing,
			JobsProcessed: atomic.LoadInt64(&w.jobsProcessed),
		}
	}

	now := time.Now()
	p.activeOwnersMu.Lock()
	activeOwnersSnapshot := make(map[string]int, len(p.activeOwners))
	for k, v := range p.activeOwners {
		if !v.updatedAt.IsZero() && now.Sub(v.updatedAt) > 2*time.Second {
			delete(p.activeOwners, k)
			continue
		}
		activeOwnersSnapshot[k] = v.workerID
	}
	p.activeOwnersMu.Unlock()

	return PoolStats{
		NumWorkers:      p.numWorkers,
		QueueSize:       p.queueSize,
		ActiveWorkers:   activeWorkers,
		TotalDispatched: atomic.LoadInt64(&p.totalDispatched),
		TotalProcessed:  atomic.LoadInt64(&p.totalProcessed),
		TotalDropped:    atomic.LoadInt64(&p.totalDropped),
		TotalErrors:     atomic.LoadInt64(&p.totalErrors),
		WorkerStats:     workerStats,
		ActiveOwners:    activeOwnersSnapshot,
	}
}

// run ejecuta el loop principal del worker
func (w *worker) run(wg *sync.WaitGroup) {
	defer wg.Done()

	logrus.Debugf("[EV_WORKER_POOL] Worker %d started", w.id)

	for {
		select {
		case job, ok := <-w.jobQueue:
			if !ok {
				logrus.Debugf("[EV_WORKER_POOL] Worker %d shutting down", w.id)
				return
			}

			func() {
				atomic.StoreInt32(&w.isProcessing, 1)
				defer func() {
					if r := recover(); r != nil {
						atomic.AddInt64(&w.pool.totalErrors, 1)
						logrus.Errorf("[EV_WORKER_POOL] Worker %d panic for %s: %v", w.id, job.Owner, r)
					}
					atomic.StoreInt32(&w.isProcessing, 0)
					atomic.AddInt64(&w.jobsProcessed, 1)
					atomic.AddInt64(&w.pool.totalProcessed, 1)
				}()

				if err := job.Handler(w.ctx); err != nil {
					atomic.AddInt64(&w.pool.totalErrors, 1)
					logrus.WithError(err).Errorf("[EV_WORKER_POOL] Worker %d job failed for %s", w.id, job.Owner)
				}
			}()

		case <-w.ctx.Done():
			logrus.Debugf("[EV_WORKER_POOL] Worker %d context cancelled, draining queue...", w.id)
			w.drainQueue()
			return
		}
	}
}

// drainQueue procesa los jobs restantes tras la cancelación del contexto
func (w *worker) drainQueue() {
	for {
		select {
		case job, ok := <-w.jobQueue:
			if !ok {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						atomic.AddInt64(&w.pool.totalErrors, 1)
					}
					atomic.AddInt64(&w.jobsProcessed, 1)
					atomic.AddInt64(&w.pool.totalProcessed, 1)
				}()
				if err := job.Handler(context.Background()); err != nil {
					atomic.AddInt64(&w.pool.totalErrors, 1)
				}
			}()
		default:
			return
		}
	}
}
