// Package lifespan orders startup and shutdown of the background
// components: State, Trace, Refresher, and the HTTP client.
package lifespan

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/almazom/kmi-rotor/healthcache"
	"github.com/almazom/kmi-rotor/state"
	"github.com/almazom/kmi-rotor/trace"
)

// Lifespan bounds the background tasks started at process startup and
// stopped, in reverse order, at shutdown.
type Lifespan struct {
	store  *state.Store
	sink   *trace.Sink
	health *healthcache.Cache
	client *http.Client
	log    *logrus.Logger

	cancel context.CancelFunc
}

// New constructs a Lifespan around the already-built components. It
// performs no I/O until Start is called.
func New(store *state.Store, sink *trace.Sink, health *healthcache.Cache, client *http.Client, log *logrus.Logger) *Lifespan {
	return &Lifespan{store: store, sink: sink, health: health, client: client, log: log}
}

// Start brings up State, Trace, and the Refresher, in that order. The
// HTTP client needs no explicit start; it is already usable once
// constructed.
func (l *Lifespan) Start(ctx context.Context) {
	refreshCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.store.Start()
	l.sink.Start()
	l.health.Start(refreshCtx)

	if l.log != nil {
		l.log.Info("lifespan: started state store, trace sink, health refresher")
	}
}

// Stop tears down in reverse order: Refresher, TraceSink (drained),
// State (final synchronous flush), then the HTTP client's idle
// connections.
func (l *Lifespan) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.health.Stop()
	l.sink.Stop()
	l.store.Stop()
	if l.client != nil {
		l.client.CloseIdleConnections()
	}

	if l.log != nil {
		l.log.Info("lifespan: stopped health refresher, trace sink, state store")
	}
}
