package driver

import "github.com/teranos/slate/pulse/async"

const updateBuffer = 16

// Loop is one running tick loop.
type Loop struct {
	jobID   string
	updates chan *async.TickResult
	cancel  func()
	done    chan struct{}
	outcome Outcome
}

// JobID returns the job being driven.
func (l *Loop) JobID() string { return l.jobID }

// Updates delivers every tick result and is closed when the loop ends. A slow
// reader misses the oldest results, never the newest.
func (l *Loop) Updates() <-chan *async.TickResult { return l.updates }

// Stop cancels the loop. An in-flight tick still persists its unit.
func (l *Loop) Stop() { l.cancel() }

// Done is closed when the loop has ended.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Wait blocks until the loop ends and returns its outcome.
func (l *Loop) Wait() Outcome {
	<-l.done
	l.cancel()
	return l.outcome
}

// publish never blocks the loop. Only the loop goroutine sends, so dropping
// one buffered result always makes room.
func (l *Loop) publish(res *async.TickResult) {
	select {
	case l.updates <- res:
		return
	default:
	}
	select {
	case <-l.updates:
	default:
	}
	select {
	case l.updates <- res:
	default:
	}
}
