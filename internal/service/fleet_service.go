package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/backend"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/constants"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/interfaces"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/metrics"
)

// serviceViewID registration that keeps the store live for REST consumers
const serviceViewID = "fleetwatch"

const watchBuffer = 64

const notifyTimeout = 15 * time.Second

// Update types pushed to watching views
const (
	UpdateServer   = "server_update"
	UpdateSnapshot = "snapshot"
)

// Update one store change as seen by a view
type Update struct {
	Type       string                `json:"type"`
	Data       *fleet.ServerView     `json:"data,omitempty"`
	ServerIDs  []string              `json:"server_ids,omitempty"`
	Statistics model.FleetStatistics `json:"statistics"`
}

// Status health of the fleet view model
type Status struct {
	Session     bool       `json:"session"`
	Live        bool       `json:"live"`
	Views       int        `json:"views"`
	Servers     int        `json:"servers"`
	LastError   string     `json:"last_error,omitempty"`
	LastRefresh *time.Time `json:"last_refresh,omitempty"`
}

// RosterResult roster view with statistics
type RosterResult struct {
	Servers    []fleet.ServerView     `json:"data"`
	Statistics model.FleetStatistics  `json:"statistics"`
	Reported   *model.FleetStatistics `json:"reported_statistics,omitempty"`
	Status     Status                 `json:"status"`
}

// FleetService reconciles the snapshot API and the live event stream into
// one fleet view model shared by all views of the session.
type FleetService struct {
	fetcher    interfaces.SnapshotFetcher
	store      *fleet.Store
	aggregator *fleet.Aggregator
	session    *Session
	hub        *StreamHub
	metrics    *metrics.Metrics
	notifier   interfaces.FailureNotifier
	cfg        config.FleetConfig
	now        func() time.Time

	mu          sync.RWMutex
	lastErr     string
	lastRefresh time.Time
	reported    *model.FleetStatistics

	watchMu  sync.Mutex
	watchers map[string]chan Update

	unsubscribeStore func()
}

// NewFleetService creates a new fleet service
func NewFleetService(cfg config.FleetConfig, fetcher interfaces.SnapshotFetcher, source interfaces.EventSource, session *Session, topic string, m *metrics.Metrics) *FleetService {
	s := &FleetService{
		fetcher: fetcher,
		store: fleet.NewStore(fleet.StoreConfig{
			HistoryLimit: cfg.HistoryLimit,
			DedupeEvents: cfg.DedupeEvents,
			DedupeWindow: cfg.DedupeWindow,
		}),
		aggregator: fleet.NewAggregator(cfg.ActivityWindow),
		session:    session,
		metrics:    m,
		cfg:        cfg,
		now:        time.Now,
		watchers:   make(map[string]chan Update),
	}
	s.hub = NewStreamHub(source, session, topic, s.HandleEvent, m)
	s.unsubscribeStore = s.store.Subscribe(s.onChange)
	return s
}

// SetNotifier sets the failure alert notifier
func (s *FleetService) SetNotifier(n interfaces.FailureNotifier) {
	s.notifier = n
}

// Start performs the cold start: an authoritative snapshot followed by the
// live subscription. Neither failure is fatal.
func (s *FleetService) Start(ctx context.Context) {
	if s.session.Valid() {
		if err := s.Refresh(ctx); err != nil {
			logger.WarnCtx(ctx, "Initial snapshot failed: %v", err)
		}
	} else {
		logger.InfoCtx(ctx, "No session yet, waiting for login before the initial snapshot")
	}

	if err := s.hub.Acquire(ctx, serviceViewID); err != nil && !errors.Is(err, fleet.ErrNoSession) {
		logger.WarnCtx(ctx, "Live updates not started: %v", err)
	}
}

// Stop releases the subscription and closes all watch channels
func (s *FleetService) Stop() {
	s.hub.Release(serviceViewID)
	s.unsubscribeStore()

	s.watchMu.Lock()
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.watchMu.Unlock()
}

// StartSession establishes the session, resumes live updates and refreshes
func (s *FleetService) StartSession(ctx context.Context, token string) error {
	s.session.Set(token)
	if err := s.hub.SessionStarted(ctx); err != nil {
		logger.WarnCtx(ctx, "Live updates not resumed: %v", err)
	}
	return s.Refresh(ctx)
}

// ResumeLiveUpdates retries a subscription that previously failed. It does
// nothing while updates are live or no failure is pending.
func (s *FleetService) ResumeLiveUpdates(ctx context.Context) error {
	if s.hub.LastError() == nil {
		return nil
	}
	if err := s.hub.SessionStarted(ctx); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "Live updates resumed")
	return nil
}

// EndSession ends the session and tears down the live subscription.
// The fleet state of the process is kept.
func (s *FleetService) EndSession(ctx context.Context) {
	s.session.Clear()
	s.hub.SessionEnded()
	logger.InfoCtx(ctx, "Session ended, live updates stopped")
}

// Refresh fetches the roster and merges it into the store. On failure the
// local state is kept and the user-facing message is remembered for Status.
func (s *FleetService) Refresh(ctx context.Context) error {
	started := s.now()
	roster, err := s.fetcher.FetchRoster(ctx, s.cfg.RosterMessageLimit)
	s.metrics.RecordSnapshot("roster", started, err)
	if err != nil {
		s.setLastError(backend.UserMessage(err, backend.MsgFetchRosterFailed))
		logger.ErrorCtx(ctx, "Failed to refresh fleet roster: %v", err)
		return err
	}

	result := s.store.ApplySnapshot(roster.Servers)
	if len(result.Replaced)+len(result.Added) == 0 {
		// nothing changed, the listener did not run
		s.recompute()
	}

	s.mu.Lock()
	s.lastErr = ""
	s.lastRefresh = s.now()
	s.reported = roster.Statistics
	s.mu.Unlock()

	if roster.Statistics != nil {
		current := s.aggregator.Current()
		if roster.Statistics.TotalServers != current.TotalServers {
			logger.DebugCtx(ctx, "Backend reports %d servers, local store has %d", roster.Statistics.TotalServers, current.TotalServers)
		}
	}
	logger.InfoCtx(ctx, "Fleet refreshed: %d added, %d replaced, %d kept, %d skipped",
		len(result.Added), len(result.Replaced), len(result.Kept), result.Skipped)
	return nil
}

// RefreshServer fetches one server and merges it with snapshot precedence.
// When the fetch fails a locally known record is still returned.
func (s *FleetService) RefreshServer(ctx context.Context, serverID string) (*fleet.ServerView, error) {
	started := s.now()
	rec, err := s.fetcher.FetchServer(ctx, serverID, s.store.HistoryLimit())
	s.metrics.RecordSnapshot("server", started, err)
	if err != nil {
		if view, ok := s.Server(serverID); ok {
			logger.WarnCtx(ctx, "Failed to refresh server %s, serving local state: %v", serverID, err)
			return view, nil
		}
		return nil, err
	}

	s.store.ApplySnapshot([]model.ServerRecord{*rec})
	view, ok := s.Server(serverID)
	if !ok {
		return nil, &backend.FetchError{StatusCode: http.StatusNotFound, Message: backend.MsgServerNotFound, Err: errors.New("server missing after refresh")}
	}
	return view, nil
}

// HandleEvent applies one live status event
func (s *FleetService) HandleEvent(evt model.StatusEvent) {
	result := s.store.ApplyEvent(evt)
	if result.Duplicate {
		s.metrics.RecordDropped(metrics.DropDuplicate)
		return
	}
	s.metrics.RecordEvent(evt)

	if s.notifier != nil && fleet.EventTone(evt.Kind) == constants.ToneDanger {
		go s.notify(evt)
	}
}

func (s *FleetService) notify(evt model.StatusEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.notifier.NotifyFailure(ctx, evt); err != nil {
		logger.Warnf("Failed to send failure alert for server %s: %v", evt.ServerID, err)
	}
}

// RecomputeStatistics forces a full statistics recompute
func (s *FleetService) RecomputeStatistics() model.FleetStatistics {
	return s.recompute()
}

func (s *FleetService) recompute() model.FleetStatistics {
	stats := s.aggregator.Recompute(s.store, s.now())
	s.metrics.SetStatistics(stats)
	return stats
}

// onChange maintains statistics and fans store changes out to watchers
func (s *FleetService) onChange(change fleet.Change) {
	var stats model.FleetStatistics
	switch change.Kind {
	case fleet.ChangeSnapshot:
		stats = s.recompute()
	default:
		for range change.Created {
			s.aggregator.NoteNewServer(change.Version)
		}
		stats = s.aggregator.Current()
		if len(change.Created) > 0 {
			s.metrics.SetStatistics(stats)
		}
	}

	var update Update
	if change.Kind == fleet.ChangeEvent && len(change.ServerIDs) == 1 {
		view, ok := s.Server(change.ServerIDs[0])
		if !ok {
			return
		}
		update = Update{Type: UpdateServer, Data: view, Statistics: stats}
	} else {
		update = Update{Type: UpdateSnapshot, ServerIDs: change.ServerIDs, Statistics: stats}
	}
	s.broadcast(update)
}

func (s *FleetService) broadcast(update Update) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for id, ch := range s.watchers {
		select {
		case ch <- update:
		default:
			logger.Debugf("View %s is behind, dropping %s update", id, update.Type)
		}
	}
}

// Roster returns the roster view sorted by freshness
func (s *FleetService) Roster() RosterResult {
	now := s.now()
	s.mu.RLock()
	reported := s.reported
	s.mu.RUnlock()

	return RosterResult{
		Servers:    fleet.RosterView(s.store.ListServers(), now, s.aggregator.Window(), s.cfg.RosterMessageLimit),
		Statistics: s.aggregator.Current(),
		Reported:   reported,
		Status:     s.Status(),
	}
}

// Server returns the detail view of one server
func (s *FleetService) Server(serverID string) (*fleet.ServerView, bool) {
	rec, ok := s.store.GetServer(serverID)
	if !ok {
		return nil, false
	}
	view := fleet.DetailView(*rec, s.now(), s.aggregator.Window())
	return &view, true
}

// Statistics returns the current fleet statistics
func (s *FleetService) Statistics() model.FleetStatistics {
	return s.aggregator.Current()
}

// Status reports session, subscription and refresh health
func (s *FleetService) Status() Status {
	s.mu.RLock()
	status := Status{LastError: s.lastErr}
	if !s.lastRefresh.IsZero() {
		t := s.lastRefresh
		status.LastRefresh = &t
	}
	s.mu.RUnlock()

	status.Session = s.session.Valid()
	status.Live = s.hub.Live()
	status.Views = s.hub.Views()
	status.Servers = s.store.Len()
	if status.LastError == "" && status.Session && !status.Live {
		if err := s.hub.LastError(); err != nil {
			status.LastError = "Live updates unavailable"
		}
	}
	return status
}

// Provision requests a new GPU server from the platform
func (s *FleetService) Provision(ctx context.Context) (*model.ProvisionResult, error) {
	started := s.now()
	result, err := s.fetcher.Provision(ctx)
	s.metrics.RecordSnapshot("provision", started, err)
	if err != nil {
		logger.ErrorCtx(ctx, "Failed to provision GPU server: %v", err)
		return nil, err
	}
	logger.InfoCtx(ctx, "Provisioning requested: %s", result.Message)
	return result, nil
}

// Watch registers a view for live updates. The returned cancel function
// unregisters it and closes the channel. Updates are dropped for views
// that do not keep up.
func (s *FleetService) Watch(ctx context.Context, viewID string) (<-chan Update, func()) {
	ch := make(chan Update, watchBuffer)

	s.watchMu.Lock()
	old, replaced := s.watchers[viewID]
	if replaced {
		close(old)
	}
	s.watchers[viewID] = ch
	s.watchMu.Unlock()

	if replaced {
		s.hub.Release(viewID)
	}
	if err := s.hub.Acquire(ctx, viewID); err != nil && !errors.Is(err, fleet.ErrNoSession) {
		logger.WarnCtx(ctx, "View %s registered without live updates: %v", viewID, err)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.watchMu.Lock()
			cur, owned := s.watchers[viewID]
			owned = owned && cur == ch
			if owned {
				delete(s.watchers, viewID)
				close(ch)
			}
			s.watchMu.Unlock()

			if owned {
				s.hub.Release(viewID)
			}
		})
	}
	return ch, cancel
}

func (s *FleetService) setLastError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}
