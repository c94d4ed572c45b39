package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/mediavault/internal/reconcile"
)

const (
	RealtimeEventStatusChanged = "video-status"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeSourceBackend      = "mediavault"
)

// RealtimeDispatcher fans status events out to stream subscribers keyed by video id.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan reconcile.StatusEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, videoID string) (<-chan reconcile.StatusEvent, func()) {
	if videoID == "" {
		ch := make(chan reconcile.StatusEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan reconcile.StatusEvent, d.bufferSize),
	}
	d.registerSubscriber(videoID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(videoID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to every subscriber of its video. Slow subscribers
// miss events instead of blocking the reconciler.
func (d *RealtimeDispatcher) Publish(event reconcile.StatusEvent) {
	if event.VideoID == "" || event.Status == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.VideoID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers for videoID.
func (d *RealtimeDispatcher) SubscriberCount(videoID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[videoID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(videoID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[videoID]; !ok {
		d.subscribers[videoID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[videoID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(videoID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[videoID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, videoID)
		}
	}
	d.mu.Unlock()
}
