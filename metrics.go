package auth

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the auth path collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	logins           *prometheus.CounterVec
	tokenRejections  *prometheus.CounterVec
	tokensIssued     *prometheus.CounterVec
	revocations      *prometheus.CounterVec
	sessionsRevoked  *prometheus.CounterVec
	accountLocks     prometheus.Counter
	accountUnlocks   *prometheus.CounterVec
	accessDenials    prometheus.Counter
	versionConflicts prometheus.Counter
	infraErrors      *prometheus.CounterVec
	sweepRemoved     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		tokenRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_token_rejections_total",
			Help: "Rejected bearer tokens by reason.",
		}, []string{"reason"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_tokens_issued_total",
			Help: "Tokens issued by type.",
		}, []string{"type"}),
		revocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_revocations_total",
			Help: "Token and subject revocations by reason.",
		}, []string{"reason"}),
		sessionsRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_sessions_revoked_total",
			Help: "Login sessions ended by reason.",
		}, []string{"reason"}),
		accountLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_account_locks_total",
			Help: "Accounts locked after repeated failures.",
		}),
		accountUnlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_account_unlocks_total",
			Help: "Expired locks released by trigger.",
		}, []string{"trigger"}),
		accessDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_access_denied_total",
			Help: "Authorization denials.",
		}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authcore_account_version_conflicts_total",
			Help: "Optimistic update conflicts on accounts.",
		}),
		infraErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_infrastructure_errors_total",
			Help: "Store or signing failures on the auth path.",
		}, []string{"operation"}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authcore_maintenance_items_total",
			Help: "Items handled by maintenance tasks.",
		}, []string{"task"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.logins, m.tokenRejections, m.tokensIssued, m.revocations, m.sessionsRevoked,
			m.accountLocks, m.accountUnlocks, m.accessDenials,
			m.versionConflicts, m.infraErrors, m.sweepRemoved,
		)
	}
	return m
}

func (m *Metrics) login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) tokenRejected(reason TokenReason) {
	if m == nil {
		return
	}
	m.tokenRejections.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) tokenIssued(typ TokenType) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) revoked(reason string) {
	if m == nil {
		return
	}
	m.revocations.WithLabelValues(reason).Inc()
}

func (m *Metrics) sessionRevoked(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsRevoked.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) accountLocked() {
	if m == nil {
		return
	}
	m.accountLocks.Inc()
}

func (m *Metrics) accountUnlocked(trigger string) {
	if m == nil {
		return
	}
	m.accountUnlocks.WithLabelValues(trigger).Inc()
}

func (m *Metrics) accessDenied() {
	if m == nil {
		return
	}
	m.accessDenials.Inc()
}

func (m *Metrics) versionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) infraError(operation string) {
	if m == nil {
		return
	}
	m.infraErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) maintenance(task string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRemoved.WithLabelValues(task).Add(float64(n))
}
