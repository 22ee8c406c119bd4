// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// A msgQueue is an unbounded FIFO of inbound messages with blocking
// removal. It is safe for concurrent use by one producer and any number
// of consumers, and guarantees that finishing the queue can never leave a
// consumer blocked.
type msgQueue struct {
	mu       sync.Mutex
	nonEmpty *sync.Cond // signaled on push and on finish
	q        *queue.Queue[Message]
	err      error // terminal condition, nil while live
	hard     bool  // if true, err preempts even queued messages
}

func newMsgQueue() *msgQueue {
	m := &msgQueue{q: queue.New[Message]()}
	m.nonEmpty = sync.NewCond(&m.mu)
	return m
}

// push appends v in arrival order and wakes one blocked consumer.
// It reports false if the queue was hard-finished, discarding v.
func (m *msgQueue) push(v Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hard {
		return false
	}
	m.q.Add(v)
	m.nonEmpty.Signal()
	return true
}

// pop blocks until a message is available and removes it. After fail, pop
// drains the remaining messages in order before reporting the failure;
// after close, pop reports the terminal error immediately.
func (m *msgQueue) pop() (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.hard {
			return Message{}, m.err
		}
		if v, ok := m.q.Pop(); ok {
			return v, nil
		}
		if m.err != nil {
			return Message{}, m.err
		}
		m.nonEmpty.Wait()
	}
}

// fail marks the queue terminally failed with err. Blocked consumers
// drain any queued messages, then report err.
func (m *msgQueue) fail(err error) { m.finish(err, false) }

// close marks the queue closed with err, releasing all blocked consumers
// immediately. Queued messages are discarded.
func (m *msgQueue) close(err error) { m.finish(err, true) }

func (m *msgQueue) finish(err error, hard bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hard {
		if !m.hard {
			m.err, m.hard = err, true
		}
	} else if m.err == nil {
		m.err = err
	}
	m.nonEmpty.Broadcast()
}

// size reports the number of queued undelivered messages.
func (m *msgQueue) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.q.Len()
}
