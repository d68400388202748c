// Package stats keeps the service counters and serves them as JSON at
// GET /debug/vars.
package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"sync"
	"time"
)

const (
	RoomsCreated      = "RoomsCreated"
	RoomsClosed       = "RoomsClosed"
	CommentsPosted    = "CommentsPosted"
	CommentsDeleted   = "CommentsDeleted"
	LikesApplied      = "LikesApplied"
	ActiveConnections = "ActiveConnections"
	EventsDelivered   = "EventsDelivered"
	ConnectionsPruned = "ConnectionsPruned"
)

// Metrics lists every counter registered by the engine and transport.
var Metrics = []string{
	RoomsCreated,
	RoomsClosed,
	CommentsPosted,
	CommentsDeleted,
	LikesApplied,
	ActiveConnections,
	EventsDelivered,
	ConnectionsPruned,
}

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	Run()
}

// StatsUpdater applies counter updates on a single goroutine so callers on
// the request path never contend on the map.
type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan metricsUpdateReq
	done       chan struct{}
	stopOnce   sync.Once
}

type metricsUpdateReq struct {
	name  string
	delta int64
}

// NewStatsUpdater creates an updater and mounts its handler on mux. The map
// is not published to the process-wide expvar registry, so several updaters
// can coexist.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		vars:       new(expvar.Map).Init(),
		updateChan: make(chan metricsUpdateReq, 512),
		done:       make(chan struct{}),
	}

	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))

	mux.HandleFunc("GET /debug/vars", su.serveVars)
	return su
}

func (su *StatsUpdater) serveVars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	out := make(map[string]json.RawMessage)
	su.vars.Do(func(kv expvar.KeyValue) {
		out[kv.Key] = json.RawMessage(kv.Value.String())
	})

	json.NewEncoder(w).Encode(out)
}

// RegisterAll registers every metric in names.
func RegisterAll(sp StatsProvider, names []string) {
	for _, name := range names {
		sp.RegisterMetric(name)
	}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

func (su *StatsUpdater) Incr(name string) {
	su.update(name, 1)
}

func (su *StatsUpdater) Decr(name string) {
	su.update(name, -1)
}

// update drops the change once the updater is stopped.
func (su *StatsUpdater) update(name string, delta int64) {
	select {
	case <-su.done:
	case su.updateChan <- metricsUpdateReq{name: name, delta: delta}:
	}
}

func (su *StatsUpdater) Run() {
	go func() {
		for {
			select {
			case <-su.done:
				return
			case req := <-su.updateChan:
				// Add creates counters that were never registered
				su.vars.Add(req.name, req.delta)
			}
		}
	}()
}

func (su *StatsUpdater) Stop() {
	su.stopOnce.Do(func() { close(su.done) })
}
