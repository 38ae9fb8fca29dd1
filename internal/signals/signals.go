// Package signals is a small in-process pubsub used to nudge the queue poller
// when new entries become due, instead of waiting out the poll interval.
package signals

import (
	"math/rand"
	"sync"
)

type Signal string

const NewEntryInQueue Signal = "new-entry-in-queue"

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

// Notify wakes one random listener. Non-blocking, a listener that is already
// signalled is not signalled again.
func Notify(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	chans := sigs[channel]
	l := len(chans)
	if l > 0 {
		select {
		case chans[rand.Intn(l)] <- struct{}{}:
		default:
		}
	}
}

// Broadcast wakes every listener.
func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}
