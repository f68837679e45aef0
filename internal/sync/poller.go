package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/vdavid/mailmirror/internal/db"
	"github.com/vdavid/mailmirror/internal/models"
	"go.uber.org/zap"
)

// Syncer is what the poller drives. *Service implements it.
type Syncer interface {
	Sync(ctx context.Context, accountID string, mode models.SyncMode) (*models.SyncReport, error)
}

// AccountStatus is the poller's view of one account.
type AccountStatus struct {
	AccountID  string
	Running    bool
	Polls      int
	LastReport *models.SyncReport
	LastError  error
	LastRunAt  time.Time
}

// Poller runs periodic syncs for a set of accounts: incremental on every
// tick and full every FullSyncEvery polls, the first poll included.
type Poller struct {
	syncer        Syncer
	accounts      []string
	interval      time.Duration
	fullSyncEvery int
	logger        *zap.Logger

	// OnSync, when set before Run, is called after every poll.
	OnSync func(accountID string, report *models.SyncReport, err error)

	triggerCh map[string]chan models.SyncMode
	mu        gosync.Mutex
	statuses  map[string]*AccountStatus
}

func NewPoller(syncer Syncer, accounts []string, interval time.Duration, fullSyncEvery int, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if fullSyncEvery <= 0 {
		fullSyncEvery = 1
	}
	p := &Poller{
		syncer:        syncer,
		accounts:      accounts,
		interval:      interval,
		fullSyncEvery: fullSyncEvery,
		logger:        logger,
		triggerCh:     make(map[string]chan models.SyncMode, len(accounts)),
		statuses:      make(map[string]*AccountStatus, len(accounts)),
	}
	for _, a := range accounts {
		p.triggerCh[a] = make(chan models.SyncMode, 1)
		p.statuses[a] = &AccountStatus{AccountID: a}
	}
	return p
}

// Run polls every account until ctx is done. A sync in flight when ctx is
// cancelled stops at its next batch boundary.
func (p *Poller) Run(ctx context.Context) {
	var wg gosync.WaitGroup
	for _, a := range p.accounts {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			p.pollAccount(ctx, accountID)
		}(a)
	}
	wg.Wait()
}

// Trigger asks for an immediate sync of one account. Returns false when the
// account is unknown or a trigger is already queued.
func (p *Poller) Trigger(accountID string, mode models.SyncMode) bool {
	ch, ok := p.triggerCh[accountID]
	if !ok {
		return false
	}
	select {
	case ch <- mode:
		return true
	default:
		return false
	}
}

// Statuses returns a snapshot of every account's status.
func (p *Poller) Statuses() []AccountStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]AccountStatus, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, *p.statuses[a])
	}
	return out
}

func (p *Poller) pollAccount(ctx context.Context, accountID string) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx, accountID, "")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, accountID, "")
		case mode := <-p.triggerCh[accountID]:
			p.poll(ctx, accountID, mode)
		}
	}
}

// poll runs one sync. An empty mode picks full or incremental from the
// poll count.
func (p *Poller) poll(ctx context.Context, accountID string, mode models.SyncMode) {
	p.mu.Lock()
	status := p.statuses[accountID]
	if mode == "" {
		mode = models.SyncIncremental
		if status.Polls%p.fullSyncEvery == 0 {
			mode = models.SyncFull
		}
	}
	status.Running = true
	status.Polls++
	p.mu.Unlock()

	report, err := p.syncer.Sync(ctx, accountID, mode)

	p.mu.Lock()
	status.Running = false
	status.LastRunAt = time.Now()
	status.LastError = err
	if report != nil {
		status.LastReport = report
	}
	p.mu.Unlock()

	if p.OnSync != nil {
		p.OnSync(accountID, report, err)
	}

	log := p.logger.With(zap.String("account_id", accountID), zap.String("mode", string(mode)))
	switch {
	case err == nil:
	case db.IsConcurrentSyncError(err):
		// Another process holds the lease; try again next tick.
		log.Info("Skipped poll, sync already running elsewhere")
	case ctx.Err() != nil:
		log.Info("Poll interrupted by shutdown")
	default:
		log.Error("Poll failed", zap.Error(err))
	}
}
