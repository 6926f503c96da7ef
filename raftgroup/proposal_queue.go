package raftgroup

import "context"

// proposalQueue buffers one group's pending Propose/ProposeConfChange calls
// (one instance per region, keyed by group id in Manager.queues) between
// Manager.HandlePropose's producer and Manager.processReady's Iter drain.
func newProposalQueue(bufferSize int) proposalQueue {
	return make(chan proposalRequest, bufferSize)
}

type proposalQueue chan proposalRequest

func (q proposalQueue) Push(ctx context.Context, m proposalRequest) error {
	select {
	case q <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Iter drains every request currently queued without blocking, handing
// each to f in FIFO order; f returning false stops the drain early.
func (q proposalQueue) Iter(f func(m proposalRequest) bool) {
ITER:
	for {
		select {
		case m := <-q:
			if !f(m) {
				break ITER
			}
		default:
			break ITER
		}
	}
}
