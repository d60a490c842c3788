// Package reconciler materializes dirty pages as channel messages and threads.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/notipy/internal/events"
	"github.com/MarcoPoloResearchLab/notipy/internal/ids"
	"github.com/MarcoPoloResearchLab/notipy/internal/lease"
	"github.com/MarcoPoloResearchLab/notipy/internal/links"
	"github.com/MarcoPoloResearchLab/notipy/internal/pagestore"
	"go.uber.org/zap"
)

const (
	defaultLeaseKey = "reconcile"
	defaultLeaseTTL = 10 * time.Minute
)

var (
	// ErrRunInProgress indicates another run, in this process or another replica, has not finished.
	ErrRunInProgress = errors.New("reconciler: run already in progress")

	errMissingLinks    = errors.New("reconciler: link registry is required")
	errMissingPages    = errors.New("reconciler: page store client is required")
	errMissingChannels = errors.New("reconciler: channel client is required")
	errMissingToken    = errors.New("server has no page store access token")
)

// LinkRegistry is the subset of the link registry a run reads and writes.
type LinkRegistry interface {
	ListDirty(ctx context.Context, serverID string) ([]links.DirtyPage, error)
	ClearDirty(ctx context.Context, pageIDs []string) error
	SetThreadID(ctx context.Context, pageID string, threadID *string) (links.Page, error)
	SetDisplayName(ctx context.Context, databaseID, displayName string) (links.Database, error)
}

// PageFetcher reads fresh page content from the page store.
type PageFetcher interface {
	RetrieveDatabase(ctx context.Context, token, databaseID string) (pagestore.Database, error)
	RetrievePage(ctx context.Context, token, pageID string) (pagestore.Page, error)
}

// Config wires a Reconciler.
type Config struct {
	Links    LinkRegistry
	Pages    PageFetcher
	Channels ChannelClient
	// Lease, when set, keeps runs single-flight across replicas.
	Lease    lease.Lease
	LeaseKey string
	LeaseTTL time.Duration
	// RetryCeiling skips a database after that many consecutive failed runs. Zero retries forever.
	RetryCeiling int
	Events       events.Publisher
	IDProvider   ids.Provider
	Clock        func() time.Time
	Logger       *zap.Logger
}

// RunReport summarizes one run.
type RunReport struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	Pending          int       `json:"pending"`
	Dispatched       int       `json:"dispatched"`
	Created          int       `json:"created"`
	Edited           int       `json:"edited"`
	Failed           int       `json:"failed"`
	SkippedDatabases []string  `json:"skipped_databases"`
}

// Reconciler converts dirty state into channel-platform messages.
type Reconciler struct {
	links        LinkRegistry
	pages        PageFetcher
	channels     ChannelClient
	lease        lease.Lease
	leaseKey     string
	leaseTTL     time.Duration
	retryCeiling int
	events       events.Publisher
	idProvider   ids.Provider
	clock        func() time.Time
	logger       *zap.Logger

	running atomic.Bool

	failuresMu sync.Mutex
	failures   map[string]int
}

// New constructs a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Links == nil {
		return nil, errMissingLinks
	}
	if cfg.Pages == nil {
		return nil, errMissingPages
	}
	if cfg.Channels == nil {
		return nil, errMissingChannels
	}
	leaseKey := strings.TrimSpace(cfg.LeaseKey)
	if leaseKey == "" {
		leaseKey = defaultLeaseKey
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}
	retryCeiling := cfg.RetryCeiling
	if retryCeiling < 0 {
		retryCeiling = 0
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		links:        cfg.Links,
		pages:        cfg.Pages,
		channels:     cfg.Channels,
		lease:        cfg.Lease,
		leaseKey:     leaseKey,
		leaseTTL:     leaseTTL,
		retryCeiling: retryCeiling,
		events:       cfg.Events,
		idProvider:   idProvider,
		clock:        clock,
		logger:       logger,
		failures:     make(map[string]int),
	}, nil
}

// Running reports whether a run is in progress in this process.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// ResetFailures forgets the consecutive failure count of a database, for
// example after it was relinked.
func (r *Reconciler) ResetFailures(databaseID string) {
	r.failuresMu.Lock()
	delete(r.failures, databaseID)
	r.failuresMu.Unlock()
}

// Run performs one reconciliation pass over the dirty pages captured at its
// start. Delivery failures leave pages dirty for the next run; a page-store
// failure skips the rest of that database's pages for this run.
func (r *Reconciler) Run(ctx context.Context) (RunReport, error) {
	if !r.running.CompareAndSwap(false, true) {
		return RunReport{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	if r.lease != nil {
		token, acquired, err := r.lease.TryAcquire(ctx, r.leaseKey, r.leaseTTL)
		if err != nil {
			return RunReport{}, fmt.Errorf("reconciler: acquire lease: %w", err)
		}
		if !acquired {
			return RunReport{}, ErrRunInProgress
		}
		defer func() {
			if err := r.lease.Release(context.WithoutCancel(ctx), r.leaseKey, token); err != nil {
				r.logger.Warn("reconciler lease release failed", zap.Error(err))
			}
		}()
	}

	report := RunReport{
		RunID:            ids.MustNew(r.idProvider),
		StartedAt:        r.clock(),
		SkippedDatabases: []string{},
	}
	pending, err := r.links.ListDirty(ctx, "")
	if err != nil {
		r.logger.Error("reconcile run failed to list dirty pages", zap.String("run_id", report.RunID), zap.Error(err))
		return report, fmt.Errorf("reconciler: list dirty pages: %w", err)
	}
	report.Pending = len(pending)

	delivered := make([]string, 0, len(pending))
	syncedByServer := make(map[string][]string)
	for _, group := range groupByDatabase(pending) {
		ok, pages := r.reconcileDatabase(ctx, group, &report)
		if !ok {
			report.SkippedDatabases = append(report.SkippedDatabases, group[0].DatabaseID)
		}
		for _, item := range pages {
			delivered = append(delivered, item.PageID)
			syncedByServer[item.ServerID] = append(syncedByServer[item.ServerID], item.PageID)
		}
	}
	report.Dispatched = len(delivered)

	var clearErr error
	if len(delivered) > 0 {
		if err := r.links.ClearDirty(ctx, delivered); err != nil {
			clearErr = fmt.Errorf("reconciler: clear dirty flags: %w", err)
			r.logger.Error("reconcile run failed to clear dirty flags", zap.String("run_id", report.RunID), zap.Error(err))
		} else {
			r.publishSynced(syncedByServer)
		}
	}

	r.logger.Info("reconcile run finished",
		zap.String("run_id", report.RunID),
		zap.Int("pending", report.Pending),
		zap.Int("dispatched", report.Dispatched),
		zap.Int("created", report.Created),
		zap.Int("edited", report.Edited),
		zap.Int("failed", report.Failed),
		zap.Strings("skipped_databases", report.SkippedDatabases),
		zap.Duration("elapsed", r.clock().Sub(report.StartedAt)))
	return report, clearErr
}

// reconcileDatabase delivers one database's pages. It returns false when the
// database was skipped, along with the pages delivered before that happened.
func (r *Reconciler) reconcileDatabase(ctx context.Context, group []links.DirtyPage, report *RunReport) (bool, []links.DirtyPage) {
	first := group[0]
	if r.retryCeiling > 0 && r.failureCount(first.DatabaseID) >= r.retryCeiling {
		r.logger.Warn("database skipped, retry ceiling reached",
			zap.String("run_id", report.RunID),
			zap.String("database_id", first.DatabaseID),
			zap.Int("retry_ceiling", r.retryCeiling))
		return false, nil
	}

	token := ""
	if first.AccessToken != nil {
		token = strings.TrimSpace(*first.AccessToken)
	}
	if token == "" {
		r.markCorrupted(report.RunID, first, errMissingToken)
		return false, nil
	}

	if first.DisplayName == nil || strings.TrimSpace(*first.DisplayName) == "" {
		database, err := r.pages.RetrieveDatabase(ctx, token, first.DatabaseID)
		if err != nil {
			r.markCorrupted(report.RunID, first, err)
			return false, nil
		}
		if name := database.Name(); name != "" {
			if _, err := r.links.SetDisplayName(ctx, first.DatabaseID, name); err != nil {
				r.logger.Warn("database display name not stored",
					zap.String("database_id", first.DatabaseID),
					zap.Error(err))
			}
		}
	}

	delivered := make([]links.DirtyPage, 0, len(group))
	for _, item := range group {
		page, err := r.pages.RetrievePage(ctx, token, item.PageID)
		if err != nil {
			r.markCorrupted(report.RunID, item, err)
			return false, delivered
		}
		summary := Render(page, item.Tags)
		result, err := r.dispatch(ctx, item, summary, r.clock())
		if err != nil {
			report.Failed++
			r.logger.Warn("page dispatch failed",
				zap.String("run_id", report.RunID),
				zap.String("page_id", item.PageID),
				zap.String("channel_id", item.ChannelID),
				zap.Error(err))
			continue
		}
		if result == resultCreated {
			report.Created++
		} else {
			report.Edited++
		}
		delivered = append(delivered, item)
	}
	r.ResetFailures(first.DatabaseID)
	return true, delivered
}

func (r *Reconciler) markCorrupted(runID string, item links.DirtyPage, cause error) {
	r.failuresMu.Lock()
	r.failures[item.DatabaseID]++
	count := r.failures[item.DatabaseID]
	r.failuresMu.Unlock()

	r.logger.Warn("database skipped for this run",
		zap.String("run_id", runID),
		zap.String("database_id", item.DatabaseID),
		zap.String("server_id", item.ServerID),
		zap.String("page_id", item.PageID),
		zap.Int("consecutive_failures", count),
		zap.Error(cause))
}

func (r *Reconciler) failureCount(databaseID string) int {
	r.failuresMu.Lock()
	defer r.failuresMu.Unlock()
	return r.failures[databaseID]
}

func (r *Reconciler) publishSynced(byServer map[string][]string) {
	if r.events == nil {
		return
	}
	for serverID, pageIDs := range byServer {
		r.events.Publish(events.Event{ServerID: serverID, Type: events.TypePageSynced, PageIDs: pageIDs})
	}
}

// groupByDatabase keeps the listing order of databases and of pages within each.
func groupByDatabase(pending []links.DirtyPage) [][]links.DirtyPage {
	index := make(map[string]int)
	var groups [][]links.DirtyPage
	for _, item := range pending {
		position, ok := index[item.DatabaseID]
		if !ok {
			position = len(groups)
			index[item.DatabaseID] = position
			groups = append(groups, nil)
		}
		groups[position] = append(groups[position], item)
	}
	return groups
}
