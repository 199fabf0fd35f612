package gateway

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const taskChanSize = 100

// WorkerFunc handles one queued task (a net.Conn, in this gateway). Any
// error it returns is fatal to the tomb supervising the pool.
type WorkerFunc func(t *tomb.Tomb, task any) error

// WorkerPool runs a fixed number of supervised goroutines pulling tasks off
// a shared channel, in the teacher's own supervision style.
type WorkerPool struct {
	n     int
	tasks chan any
}

// NewWorkerPool returns a pool sized for n concurrent workers.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{n: n, tasks: make(chan any, taskChanSize)}
}

// AddTask enqueues a unit of work for the next free worker.
func (p *WorkerPool) AddTask(task any) {
	p.tasks <- task
}

// Setup keeps a full complement of workers running under t until t dies.
func (p *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunc) {
	log.Info().Int("workers", p.n).Msg("gateway: starting worker pool")
	for i := 0; i < p.n; i++ {
		t.Go(func() error {
			return p.run(t, work)
		})
	}
}

func (p *WorkerPool) run(t *tomb.Tomb, work WorkerFunc) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-p.tasks:
			if err := work(t, task); err != nil {
				log.Error().Err(err).Msg("gateway: worker exiting")
				return err
			}
		}
	}
}
