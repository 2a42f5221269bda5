/*
Package security implements the mTLS identity lifecycle shared by every
controller and worker process: CERT_DIR resolution, certificate bundle
persistence, CSR bootstrap, mTLS client/server factories, and rotation.

	dir, _ := security.ResolveCertDir()
	if !security.BundleExists(dir) {
		bundle, err := security.Bootstrap(ctx, security.BootstrapConfig{
			CAURL: caURL, CARootPEM: rootPEM, Role: "worker", SubjectID: workerID,
		})
		security.SaveBundle(dir, bundle)
	}

	factory := security.NewClientFactory(dir)
	client, err := factory.Client() // lazy, pooled, HTTPS-only

ResolveCertDir implements the env-override, container-detected,
user-home resolution order. SaveBundle/LoadBundle persist the three PEM
files (client.crt, client.key at mode 0600, ca.crt) with
write-temp-then-rename-plus-fsync semantics so a crash never leaves a
torn bundle. NewServerTLSConfig builds the matching server-side
tls.Config, requiring client certificates signed by the CA root and
consulting a RevocationChecker during the handshake.

RotationManager polls the on-disk bundle and re-bootstraps once
remaining validity drops under 25% of the certificate's total lifetime,
then calls ClientFactory.Refresh so only new connections pick up the
replacement credentials.

The cluster's CA root signing key is encrypted at rest with Encrypt and
Decrypt (AES-256-GCM, cluster-wide key set once via
SetClusterEncryptionKey); pkg/ca is this package's only caller for that.
*/
package security
