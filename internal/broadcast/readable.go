package broadcast

import (
	"context"
	"sync"
)

// readableView is the externally visible copy of the readable dispatchees.
// It is only published to while holding the coordination lock, so that it
// always matches the broadcaster's internal readable list.
type readableView struct {
	m        sync.Mutex
	current  []DispatcheeInfo
	watchers map[chan []DispatcheeInfo]struct{}
}

func newReadableView() *readableView {
	return &readableView{watchers: make(map[chan []DispatcheeInfo]struct{})}
}

func (v *readableView) get() []DispatcheeInfo {
	v.m.Lock()
	defer v.m.Unlock()
	return append([]DispatcheeInfo(nil), v.current...)
}

func (v *readableView) publish(readable []DispatcheeInfo) {
	v.m.Lock()
	defer v.m.Unlock()

	v.current = readable
	for watcher := range v.watchers {
		notify(watcher, readable)
	}
}

// notify replaces whatever the watcher hasn't consumed yet with the latest
// state. Only publish sends on watchers, under v.m, so the buffer is free
// after draining it.
func notify(watcher chan []DispatcheeInfo, readable []DispatcheeInfo) {
	select {
	case <-watcher:
	default:
	}

	select {
	case watcher <- append([]DispatcheeInfo(nil), readable...):
	default:
	}
}

func (v *readableView) watch(ctx context.Context) <-chan []DispatcheeInfo {
	watcher := make(chan []DispatcheeInfo, 1)

	v.m.Lock()
	notify(watcher, v.current)
	v.watchers[watcher] = struct{}{}
	v.m.Unlock()

	go func() {
		<-ctx.Done()

		v.m.Lock()
		defer v.m.Unlock()
		delete(v.watchers, watcher)
		close(watcher)
	}()

	return watcher
}
