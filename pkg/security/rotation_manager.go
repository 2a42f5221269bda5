package security

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crankbird/crank/pkg/events"
	"github.com/crankbird/crank/pkg/log"
)

// defaultRotationCheckInterval is how often RotationManager polls the
// on-disk certificate for remaining validity.
const defaultRotationCheckInterval = 1 * time.Hour

// RotationManager periodically checks the certificate bundle in Dir and
// re-bootstraps it once remaining validity drops below 25%. New
// connections pick up the refreshed credentials via Factory.Refresh; a
// client or server config already handed out keeps using the old
// credentials until its own connections close naturally.
type RotationManager struct {
	Dir      string
	Bootstrap BootstrapConfig
	Factory  *ClientFactory
	Interval time.Duration
	Broker   *events.Broker

	mu     sync.Mutex
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewRotationManager constructs a manager for dir, using cfg to
// re-bootstrap when rotation is due.
func NewRotationManager(dir string, cfg BootstrapConfig, factory *ClientFactory) *RotationManager {
	return &RotationManager{
		Dir:       dir,
		Bootstrap: cfg,
		Factory:   factory,
		Interval:  defaultRotationCheckInterval,
		Broker:    cfg.Broker,
		logger:    log.WithComponent("cert-rotation"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the rotation-check loop.
func (m *RotationManager) Start() {
	go m.run()
}

// Stop stops the rotation-check loop.
func (m *RotationManager) Stop() {
	close(m.stopCh)
}

func (m *RotationManager) run() {
	interval := m.Interval
	if interval <= 0 {
		interval = defaultRotationCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.checkAndRotate(); err != nil {
				m.logger.Error().Err(err).Msg("certificate rotation check failed")
			}
		case <-m.stopCh:
			return
		}
	}
}

func (m *RotationManager) checkAndRotate() error {
	bundle, err := LoadBundle(m.Dir)
	if err != nil {
		return err
	}
	leaf, err := ParseLeafCertificate(bundle.ClientCertPEM)
	if err != nil {
		return err
	}
	if !NeedsRotation(leaf) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bootstrapCfg := m.Bootstrap
	bootstrapCfg.CARootPEM = bundle.CACertPEM

	newBundle, err := Bootstrap(ctx, bootstrapCfg)
	if err != nil {
		return err
	}
	if err := SaveBundle(m.Dir, newBundle); err != nil {
		return err
	}
	if m.Factory != nil {
		m.Factory.Refresh()
	}
	if m.Broker != nil {
		m.Broker.Publish(&events.Event{
			Type:    events.EventCertRotated,
			Message: "certificate rotated",
		})
	}
	m.logger.Info().Str("not_after", newBundle.NotAfter.String()).Msg("certificate rotated")
	return nil
}
