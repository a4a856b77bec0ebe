package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mbme/arhiv-sub003/internal/auth"
	"github.com/mbme/arhiv-sub003/internal/entities"
	"github.com/mbme/arhiv-sub003/internal/events"
	"github.com/mbme/arhiv-sub003/internal/metrics"
	"github.com/mbme/arhiv-sub003/internal/store"
)

const (
	// MaxRounds caps the pull/push exchanges with one peer per cycle.
	MaxRounds              = 8
	defaultBlobConcurrency = 4

	resultSuccess = "success"
	resultFailure = "failure"
)

var (
	// ErrSyncInProgress is returned when a cycle is already running.
	ErrSyncInProgress = errors.New("sync: cycle already in progress")
	// ErrShuttingDown is returned once the manager has been closed.
	ErrShuttingDown = errors.New("sync: manager is shutting down")
	// ErrNoPeers is returned when discovery finds nobody to sync with.
	ErrNoPeers = errors.New("sync: no peers found")

	errMissingStore      = errors.New("sync: store is required")
	errMissingDiscoverer = errors.New("sync: discoverer is required")
)

// State is the phase of the current sync cycle.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnected
	StateExchanging
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateExchanging:
		return "exchanging"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store           *store.Store
	Tokens          *auth.TokenIssuer
	Discoverer      Discoverer
	Events          *events.Dispatcher
	Metrics         *metrics.Metrics
	RPCTimeout      time.Duration
	HTTPClient      *http.Client
	BlobConcurrency int
	Clock           func() time.Time
	Logger          *zap.Logger
}

// PeerResult summarizes the exchange with one peer.
type PeerResult struct {
	Peer   Peer  `json:"peer"`
	Rounds int   `json:"rounds"`
	Pulled int   `json:"pulled"`
	Pushed int   `json:"pushed"`
	Blobs  int   `json:"blobs"`
	Err    error `json:"-"`
}

// Result summarizes one sync cycle.
type Result struct {
	Peers    []PeerResult  `json:"peers"`
	Duration time.Duration `json:"duration"`
}

// Manager runs sync cycles against discovered peers. At most one cycle runs at a time.
type Manager struct {
	store           *store.Store
	tokens          *auth.TokenIssuer
	discoverer      Discoverer
	events          *events.Dispatcher
	metrics         *metrics.Metrics
	rpcTimeout      time.Duration
	httpClient      *http.Client
	blobConcurrency int
	clock           func() time.Time
	logger          *zap.Logger

	state   atomic.Int32
	running atomic.Bool
	// known is only touched by the running cycle.
	known map[string]struct{}
}

// NewManager validates cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Tokens == nil {
		return nil, errMissingIssuer
	}
	if cfg.Discoverer == nil {
		return nil, errMissingDiscoverer
	}
	concurrency := cfg.BlobConcurrency
	if concurrency <= 0 {
		concurrency = defaultBlobConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:           cfg.Store,
		tokens:          cfg.Tokens,
		discoverer:      cfg.Discoverer,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		rpcTimeout:      cfg.RPCTimeout,
		httpClient:      cfg.HTTPClient,
		blobConcurrency: concurrency,
		clock:           clock,
		logger:          logger,
		known:           make(map[string]struct{}),
	}, nil
}

// State reports the phase of the running cycle.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Close moves the manager to its terminal state. Later cycles fail with ErrShuttingDown.
func (m *Manager) Close() {
	m.state.Store(int32(StateShuttingDown))
}

func (m *Manager) setState(state State) {
	for {
		current := m.state.Load()
		if State(current) == StateShuttingDown {
			return
		}
		if m.state.CompareAndSwap(current, int32(state)) {
			return
		}
	}
}

// Sync runs one cycle: discover peers, then exchange changesets with each of them.
// A failed peer does not stop the others; the joined peer errors are returned.
func (m *Manager) Sync(ctx context.Context) (Result, error) {
	if m.State() == StateShuttingDown {
		return Result{}, ErrShuttingDown
	}
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer m.running.Store(false)
	defer m.setState(StateIdle)

	started := m.clock()
	result, err := m.runCycle(ctx)
	result.Duration = m.clock().Sub(started)

	if err != nil {
		m.metrics.ObserveSync(resultFailure, result.Duration)
		m.events.Publish(events.Event{Kind: events.SyncFailed})
		if errors.Is(err, ErrNoPeers) {
			m.logger.Debug("sync cycle found no peers")
		} else {
			m.logger.Warn("sync cycle failed", zap.Error(err), zap.Duration("duration", result.Duration))
		}
		return result, err
	}
	if err := m.store.SetLastSyncTime(ctx, m.clock()); err != nil {
		m.metrics.ObserveSync(resultFailure, result.Duration)
		return result, err
	}
	m.metrics.ObserveSync(resultSuccess, result.Duration)
	m.events.Publish(events.Event{Kind: events.Synced})
	m.logger.Info("sync cycle finished", zap.Int("peers", len(result.Peers)), zap.Duration("duration", result.Duration))
	return result, nil
}

func (m *Manager) runCycle(ctx context.Context) (Result, error) {
	m.setState(StateDiscovering)
	peers, err := m.discoverer.Discover(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("sync: discover peers: %w", err)
	}
	if len(peers) == 0 {
		return Result{}, ErrNoPeers
	}

	var (
		result Result
		errs   []error
	)
	for _, peer := range peers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, seen := m.known[peer.URL]; !seen {
			m.known[peer.URL] = struct{}{}
			m.events.Publish(events.Event{Kind: events.PeerDiscovered, Peer: peer.URL})
		}
		peerResult := m.syncPeer(ctx, peer)
		if peerResult.Err != nil {
			m.logger.Warn("peer sync failed", zap.String("peer_url", peer.URL), zap.Error(peerResult.Err))
			errs = append(errs, fmt.Errorf("peer %s: %w", peer.URL, peerResult.Err))
		}
		result.Peers = append(result.Peers, peerResult)
	}
	return result, errors.Join(errs...)
}

func (m *Manager) syncPeer(ctx context.Context, peer Peer) PeerResult {
	result := PeerResult{Peer: peer}
	dataVersion := m.store.Schema().Version

	client, err := NewClient(ClientConfig{
		BaseURL:     peer.URL,
		Tokens:      m.tokens,
		InstanceID:  m.store.InstanceID(),
		DataVersion: dataVersion,
		Timeout:     m.rpcTimeout,
		HTTPClient:  m.httpClient,
		Logger:      m.logger,
	})
	if err != nil {
		result.Err = err
		return result
	}

	m.setState(StateConnected)
	ping, err := client.Ping(ctx)
	if err != nil {
		result.Err = err
		return result
	}
	result.Peer.InstanceID = ping.InstanceID
	result.Peer.IsPrime = ping.IsPrime
	result.Peer.DataVersion = ping.DataVersion
	if ping.InstanceID == m.store.InstanceID() {
		m.logger.Debug("skipping self", zap.String("peer_url", peer.URL))
		return result
	}
	if ping.DataVersion != dataVersion {
		if ping.DataVersion > dataVersion {
			m.events.Publish(events.Event{Kind: events.InstanceOutdated, Peer: peer.URL})
		}
		result.Err = fmt.Errorf("%w: peer has %d, local has %d", ErrVersionMismatch, ping.DataVersion, dataVersion)
		return result
	}

	localRev, err := m.store.HighWaterRevision(ctx)
	if err != nil {
		result.Err = err
		return result
	}
	if localRev.Equal(ping.Revision) {
		m.logger.Debug("peer is up to date", zap.String("peer_url", peer.URL), zap.String("rev", localRev.String()))
		return result
	}

	m.setState(StateExchanging)
	push := ping.IsPrime && !m.store.IsPrime()
	remoteRev := ping.Revision
	for result.Rounds < MaxRounds {
		result.Rounds++
		pulled, downloaded, err := m.pull(ctx, client)
		if err != nil {
			result.Err = err
			return result
		}
		result.Pulled += pulled
		result.Blobs += downloaded

		pushed := 0
		if push {
			pushed, remoteRev, err = m.push(ctx, client, remoteRev)
			if err != nil {
				result.Err = err
				return result
			}
			result.Pushed += pushed
		}
		if pulled == 0 && pushed == 0 {
			break
		}
	}
	m.logger.Info("peer synced",
		zap.String("peer_url", peer.URL),
		zap.String("peer_id", ping.InstanceID.String()),
		zap.Int("rounds", result.Rounds),
		zap.Int("pulled", result.Pulled),
		zap.Int("pushed", result.Pushed),
		zap.Int("blobs", result.Blobs))
	return result
}

// pull fetches and applies the peer's documents unknown locally. It returns how many
// documents were transferred and how many blobs were downloaded.
func (m *Manager) pull(ctx context.Context, client *Client) (int, int, error) {
	localRev, err := m.store.HighWaterRevision(ctx)
	if err != nil {
		return 0, 0, err
	}
	changeset, err := client.GetChangeset(ctx, localRev)
	if err != nil {
		return 0, 0, err
	}
	if changeset.IsEmpty() {
		return 0, 0, nil
	}

	missing, err := m.store.Blobs().Missing(changeset.BlobRefs())
	if err != nil {
		return 0, 0, err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.blobConcurrency)
	for _, blobID := range missing {
		group.Go(func() error {
			if err := client.DownloadBlob(groupCtx, blobID, m.store.Blobs()); err != nil {
				return err
			}
			m.metrics.ObserveBlobDownload()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, 0, err
	}

	response, err := m.store.ApplyChangeset(ctx, changeset, nil)
	if err != nil {
		return 0, 0, err
	}
	return transferred(response), len(missing), nil
}

// push uploads local documents the prime has not seen yet and returns its new revision.
func (m *Manager) push(ctx context.Context, client *Client, remoteRev entities.Revision) (int, entities.Revision, error) {
	changeset, err := m.store.GetChangeset(ctx, remoteRev)
	if err != nil {
		return 0, remoteRev, err
	}
	if changeset.IsEmpty() {
		return 0, remoteRev, nil
	}
	attachments := make(map[entities.BlobID]string)
	for _, blobID := range changeset.BlobRefs() {
		path, found, err := m.store.Blobs().Get(blobID)
		if err != nil {
			return 0, remoteRev, err
		}
		if !found {
			return 0, remoteRev, fmt.Errorf("%w: blob %s", store.ErrInconsistent, blobID)
		}
		attachments[blobID] = path
	}
	response, err := client.PushChangeset(ctx, changeset, attachments)
	if err != nil {
		return 0, remoteRev, err
	}
	return transferred(response), response.Revision, nil
}

// transferred counts documents the receiver took into account. Rejected documents are
// not retried within the cycle.
func transferred(response entities.ChangesetResponse) int {
	return len(response.Results) - response.Count(entities.OutcomeRejected)
}
