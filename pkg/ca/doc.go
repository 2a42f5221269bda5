/*
Package ca implements the certificate authority service: the one process
in the fleet with custody of the root signing key (spec §4.2).

CertAuthority issues short-lived leaf certificates against CSRs, tracks
revoked serials, and exposes the root certificate for trust bootstrap.
The root key is 4096-bit RSA with a 10-year validity; leaves default to
72 hours (spec's 24h-7d range) and use 2048-bit keys.

	authority := ca.NewCertAuthority(store)
	if err := authority.Initialize(); err != nil { ... }
	authority.SaveToStore()

	leafPEM, caPEM, err := authority.Issue(csrPEM, ca.RoleWorker, 0)

Issue validates the CSR's signature, enforces the "<role>:<id>" subject
convention, and rejects wildcard SANs. A malformed CSR, disallowed SAN,
or unparseable subject returns a *CSRRejectedError rather than a bare
error, so HTTP handlers can map it to 400 instead of 500.

Server wraps CertAuthority for HTTPS: POST /v1/csr, GET /v1/ca
(server-auth only, used once during trust bootstrap), and GET/POST
/v1/revocations. The root key is encrypted at rest with pkg/security's
AES-256-GCM cluster key before CertAuthority.SaveToStore persists it.
*/
package ca
