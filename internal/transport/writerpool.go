package transport

import (
	"sync"

	"github.com/kstaniek/uavcan-serial/internal/endpoint"
)

// writeJob is one blocking endpoint.Write offloaded to the pool.
type writeJob struct {
	ep     endpoint.Endpoint
	buf    []byte
	result chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// writerPool is the small worker-thread pool spec.md §5 requires: sends are
// awaited cooperatively from the scheduler goroutine while the blocking
// endpoint.Write call itself runs on one of these workers. Shaped after the
// teacher's internal/transport/async_tx.go fan-in goroutine, turned inside
// out into a fan-out pool of generic job workers.
type writerPool struct {
	jobs chan writeJob
	wg   sync.WaitGroup
}

func newWriterPool(size int) *writerPool {
	if size < 1 {
		size = 1
	}
	p := &writerPool{jobs: make(chan writeJob)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

func (p *writerPool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		n, err := j.ep.Write(j.buf)
		j.result <- writeResult{n: n, err: err}
	}
}

// submit blocks until a worker picks up the job and returns its result.
func (p *writerPool) submit(ep endpoint.Endpoint, buf []byte) (int, error) {
	result := make(chan writeResult, 1)
	p.jobs <- writeJob{ep: ep, buf: buf, result: result}
	r := <-result
	return r.n, r.err
}

func (p *writerPool) close() {
	close(p.jobs)
	p.wg.Wait()
}
