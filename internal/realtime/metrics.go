package realtime

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics counts what the realtime subsystem does. Served as json on
// /metrics. All methods are nil-safe so tests can pass a nil *Metrics.
type Metrics struct {
	activeConns  atomic.Int64
	logins       atomic.Uint64
	authFailures atomic.Uint64
	messagesSent atomic.Uint64
	rateLimited  atomic.Uint64
	pushesSent   atomic.Uint64
	pushesFailed atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncConn() {
	if m != nil {
		m.activeConns.Add(1)
	}
}

func (m *Metrics) DecConn() {
	if m != nil {
		m.activeConns.Add(-1)
	}
}

func (m *Metrics) IncLogin() {
	if m != nil {
		m.logins.Add(1)
	}
}

func (m *Metrics) IncAuthFailure() {
	if m != nil {
		m.authFailures.Add(1)
	}
}

func (m *Metrics) IncMessageSent() {
	if m != nil {
		m.messagesSent.Add(1)
	}
}

func (m *Metrics) IncRateLimited() {
	if m != nil {
		m.rateLimited.Add(1)
	}
}

func (m *Metrics) IncPushSent() {
	if m != nil {
		m.pushesSent.Add(1)
	}
}

func (m *Metrics) IncPushFailed() {
	if m != nil {
		m.pushesFailed.Add(1)
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"active_connections":  m.activeConns.Load(),
		"logins_total":        m.logins.Load(),
		"auth_failures_total": m.authFailures.Load(),
		"messages_sent_total": m.messagesSent.Load(),
		"rate_limited_total":  m.rateLimited.Load(),
		"pushes_sent_total":   m.pushesSent.Load(),
		"pushes_failed_total": m.pushesFailed.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
