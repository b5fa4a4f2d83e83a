package jobqueue

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/chainbillhq/chainbill/internal/pkg/env"
)

const (
	defaultWorkerCount     = 5
	defaultSweepInterval   = 1 * time.Minute
	defaultDunningInterval = 5 * time.Minute
	sweepBatchSize         = 100
)

// Manager manages the global job queue and the billing sweeps
type Manager struct {
	queue            *Queue
	redemptionTicker *time.Ticker
	dunningTicker    *time.Ticker
	stopCh           chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		workerCount := defaultWorkerCount
		if v, err := strconv.Atoi(env.GetEnv("JOBQUEUE_WORKER_COUNT", "")); err == nil && v > 0 {
			workerCount = v
		}
		globalManager = &Manager{
			queue:  NewQueue(workerCount),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the periodic sweeps
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and billing sweeps")

	// Start the job queue
	m.queue.Start()

	// Redemption sweep claims due subscriptions and enqueues one redemption job each
	m.redemptionTicker = time.NewTicker(intervalFromEnv("LEDGER_SWEEP_INTERVAL_SECONDS", defaultSweepInterval))
	m.wg.Add(1)
	go m.redemptionSweepWorker()

	// Dunning sweep enqueues retry attempts whose schedule has come due
	m.dunningTicker = time.NewTicker(intervalFromEnv("DUNNING_SWEEP_INTERVAL_SECONDS", defaultDunningInterval))
	m.wg.Add(1)
	go m.dunningSweepWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and the periodic sweeps
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and billing sweeps...")

	if m.redemptionTicker != nil {
		m.redemptionTicker.Stop()
	}
	if m.dunningTicker != nil {
		m.dunningTicker.Stop()
	}

	// Signal workers to stop. Start recreates the channel.
	close(m.stopCh)
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	// Stop the job queue
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// redemptionSweepWorker periodically claims due subscriptions and fans them
// out to the workers. Each claimed subscription carries its claim token in
// the job payload, so only the worker that owns the claim redeems it.
func (m *Manager) redemptionSweepWorker() {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started redemption sweep worker")

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Redemption sweep worker stopping")
			return
		case <-m.redemptionTicker.C:
			if err := m.runRedemptionSweepOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Redemption sweep error: %v", err)
			}
		}
	}
}

// dunningSweepWorker periodically enqueues due dunning attempts.
func (m *Manager) dunningSweepWorker() {
	defer m.wg.Done()
	log.Info("[JobQueue Manager] Started dunning sweep worker")

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Dunning sweep worker stopping")
			return
		case <-m.dunningTicker.C:
			if err := m.runDunningSweepOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Dunning sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) runRedemptionSweepOnce() error {
	svcs, err := getServices()
	if err != nil {
		return err
	}
	claimed, err := svcs.Ledger.ScheduleDue(time.Now(), sweepBatchSize)
	if err != nil {
		return err
	}
	for i := range claimed {
		payload := RedeemSubscriptionJobPayload{
			SubscriptionID: claimed[i].ID,
			ClaimToken:     claimed[i].ClaimToken,
		}
		if _, err := m.queue.EnqueueJob(JobTypeRedeemSubscription, payload.ToMap()); err != nil {
			log.Errorf("[JobQueue Manager] Failed to enqueue redemption for subscription %d: %v", claimed[i].ID, err)
		}
	}
	if len(claimed) > 0 {
		log.Infof("[JobQueue Manager] Redemption sweep claimed %d subscriptions", len(claimed))
	}
	return nil
}

func (m *Manager) runDunningSweepOnce() error {
	svcs, err := getServices()
	if err != nil {
		return err
	}
	if err := svcs.Dunning.SendDueReminders(time.Now()); err != nil {
		log.Errorf("[JobQueue Manager] Pre-dunning reminder sweep error: %v", err)
	}
	due, err := svcs.Dunning.DueAttempts(time.Now(), sweepBatchSize)
	if err != nil {
		return err
	}
	for i := range due {
		payload := DunningAttemptJobPayload{CampaignID: due[i].ID}
		if _, err := m.queue.EnqueueJob(JobTypeDunningAttempt, payload.ToMap()); err != nil {
			log.Errorf("[JobQueue Manager] Failed to enqueue dunning attempt for campaign %d: %v", due[i].ID, err)
		}
	}
	if len(due) > 0 {
		log.Infof("[JobQueue Manager] Dunning sweep enqueued %d attempts", len(due))
	}
	return nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunRedemptionSweepOnce exposes a manual trigger for a single sweep (admin use).
func (m *Manager) RunRedemptionSweepOnce() error {
	return m.runRedemptionSweepOnce()
}

func intervalFromEnv(key string, fallback time.Duration) time.Duration {
	if v, err := strconv.Atoi(env.GetEnv(key, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return fallback
}
