package registry

import (
	"log"
	"time"
)

// StartHeartbeat begins a background goroutine that periodically pings all
// live connections and evicts those with no read activity for two full
// intervals. onEvict runs for each evicted connection after it has been
// removed, so the session layer can start its disconnect grace timer. The
// returned function stops the goroutine.
func (r *Registry) StartHeartbeat(interval time.Duration, onEvict func(*Conn)) func() {
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.sweep(interval, onEvict)
			}
		}
	}()

	return func() { close(done) }
}

func (r *Registry) sweep(interval time.Duration, onEvict func(*Conn)) {
	deadline := 2 * interval
	now := time.Now()

	for _, c := range r.All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Printf("registry: heartbeat timeout conn=%s idle=%s", c.ID, idle.Round(time.Second))
			if r.Remove(c.ID) && onEvict != nil {
				onEvict(c)
			}
			continue
		}

		if !c.EnqueuePing() {
			log.Printf("registry: heartbeat ping failed conn=%s", c.ID)
			if r.Remove(c.ID) && onEvict != nil {
				onEvict(c)
			}
		}
	}
}
