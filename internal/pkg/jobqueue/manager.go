package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
	"github.com/ManuelReschke/PayFox/internal/pkg/payment"
)

// Manager runs the periodic payment sweeps: reconciliation of stuck
// PROCESSING payments and expiration of stale CREATED/INITIATED payments.
// Sweeps are re-entrant by construction, so overlapping runs (including
// across service instances) are harmless; no cross-process lock is taken.
type Manager struct {
	sweeper *payment.Sweeper

	reconcileTicker *time.Ticker
	expireTicker    *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

// NewManager creates a sweep manager around an injected sweeper.
func NewManager(sweeper *payment.Sweeper) *Manager {
	return &Manager{
		sweeper: sweeper,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background sweep workers.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Sweep Manager] Starting background sweeps")

	reconcileInterval := time.Duration(env.GetEnvInt("RECONCILE_INTERVAL_MINUTES", 15)) * time.Minute
	expireInterval := time.Duration(env.GetEnvInt("EXPIRE_INTERVAL_MINUTES", 10)) * time.Minute

	m.reconcileTicker = time.NewTicker(reconcileInterval)
	m.wg.Add(1)
	go m.reconcileWorker()

	m.expireTicker = time.NewTicker(expireInterval)
	m.wg.Add(1)
	go m.expireWorker()

	log.Info("[Sweep Manager] Started successfully")
}

// Stop halts the sweep workers and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Sweep Manager] Stopping background sweeps...")

	if m.reconcileTicker != nil {
		m.reconcileTicker.Stop()
	}
	if m.expireTicker != nil {
		m.expireTicker.Stop()
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()

	log.Info("[Sweep Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) reconcileWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Sweep Manager] Reconciliation worker stopping")
			return
		case <-m.reconcileTicker.C:
			if err := m.sweeper.RunReconciliationSweep(context.Background()); err != nil {
				log.Errorf("[Sweep Manager] Reconciliation sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) expireWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[Sweep Manager] Expiration worker stopping")
			return
		case <-m.expireTicker.C:
			if err := m.sweeper.RunExpirationSweep(context.Background()); err != nil {
				log.Errorf("[Sweep Manager] Expiration sweep error: %v", err)
			}
		}
	}
}
