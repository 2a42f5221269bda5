package controller

import (
	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/log"
)

// Audit reason codes for privilege-boundary denials (spec §4.5.5, §7).
const (
	AuditUntrustedCertificate  = "untrusted-certificate"
	AuditRevoked               = "revoked"
	AuditInsufficientPrivilege = "insufficient-privilege"
)

// Auditor emits structured records for privilege-boundary decisions so
// admin-surface access attempts are reconstructable after the fact. It
// wraps pkg/log rather than the general request logger so audit entries
// can be routed or retained differently from routine traffic logs.
type Auditor struct {
	logger zerolog.Logger
}

// NewAuditor builds an Auditor.
func NewAuditor() *Auditor {
	return &Auditor{logger: log.WithComponent("controller-audit")}
}

// Denied records a rejected privileged request.
func (a *Auditor) Denied(reason, path, remoteAddr, certCommonName string) {
	a.logger.Warn().
		Str("event", "privilege_boundary_denied").
		Str("reason", reason).
		Str("path", path).
		Str("remote_addr", remoteAddr).
		Str("certificate_cn", certCommonName).
		Msg("admin request denied")
}

// Allowed records an accepted privileged request.
func (a *Auditor) Allowed(path, remoteAddr, certCommonName string) {
	a.logger.Info().
		Str("event", "privilege_boundary_allowed").
		Str("path", path).
		Str("remote_addr", remoteAddr).
		Str("certificate_cn", certCommonName).
		Msg("admin request allowed")
}
