/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const defaultDedupeTimeout = 2 * time.Minute

// subscriberBuffer bounds each subscriber channel. A slow consumer loses
// events rather than stalling publishers.
const subscriberBuffer = 128

func (e Event) dedupeKey() string {
	return fmt.Sprintf("%s-%s",
		strings.ToLower(e.Reason),
		strings.Join(e.DedupeValues, "-"),
	)
}

// Recorder publishes events to every subscriber on the process-wide bus.
type Recorder interface {
	Publish(...Event)
}

// Bus is the in-process implementation of Recorder with deduplication and
// per-event rate limiting.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	cache       *cache.Cache
	dropped     func()
}

type BusOption func(*Bus)

// WithDroppedFunc installs a callback invoked whenever a subscriber's buffer
// overflows and an event is discarded.
func WithDroppedFunc(f func()) BusOption {
	return func(b *Bus) { b.dropped = f }
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		cache:   cache.New(defaultDedupeTimeout, 10*time.Second),
		dropped: func() {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new consumer. The returned channel receives every
// event published after the call; it is closed by Close.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

func (b *Bus) Publish(evts ...Event) {
	for _, evt := range evts {
		b.publishEvent(evt)
	}
}

func (b *Bus) publishEvent(evt Event) {
	timeout := defaultDedupeTimeout
	if evt.DedupeTimeout != 0 {
		timeout = evt.DedupeTimeout
	}
	// Dedupe same events that are close together
	if len(evt.DedupeValues) > 0 && !b.shouldPublish(evt.dedupeKey(), timeout) {
		return
	}
	if evt.RateLimiter != nil && !evt.RateLimiter.TryAccept() {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.dropped()
		}
	}
}

func (b *Bus) shouldPublish(key string, timeout time.Duration) bool {
	if _, exists := b.cache.Get(key); exists {
		return false
	}
	b.cache.Set(key, nil, timeout)
	return true
}

// Close closes all subscriber channels. Publish must not be called after Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
