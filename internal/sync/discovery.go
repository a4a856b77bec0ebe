package sync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

const (
	// DefaultDiscoveryTimeout bounds one mDNS browse.
	DefaultDiscoveryTimeout = 3 * time.Second

	txtInstanceID  = "instance_id"
	txtRole        = "role"
	txtDataVersion = "data_version"
	rolePrime      = "prime"
	roleReplica    = "replica"
)

// Peer is a reachable instance. InstanceID and DataVersion are unknown for static peers until pinged.
type Peer struct {
	InstanceID  entities.InstanceID `json:"instance_id,omitempty"`
	URL         string              `json:"url"`
	IsPrime     bool                `json:"is_prime"`
	DataVersion uint8               `json:"data_version,omitempty"`
}

// Discoverer finds peers to sync with.
type Discoverer interface {
	Discover(ctx context.Context) ([]Peer, error)
}

// ServiceName is the mDNS service type instances of appName advertise.
func ServiceName(appName string, debug bool) string {
	suffix := ""
	if debug {
		suffix = "-debug"
	}
	return fmt.Sprintf("_%s-baza%s._tcp", appName, suffix)
}

// StaticDiscoverer returns a fixed peer list from configuration.
type StaticDiscoverer struct {
	peers []Peer
}

// NewStaticDiscoverer accepts peer base URLs such as http://10.0.0.2:8023.
func NewStaticDiscoverer(urls []string) *StaticDiscoverer {
	peers := make([]Peer, 0, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
		if trimmed == "" {
			continue
		}
		peers = append(peers, Peer{URL: trimmed})
	}
	return &StaticDiscoverer{peers: peers}
}

// Discover returns the configured peers.
func (d *StaticDiscoverer) Discover(context.Context) ([]Peer, error) {
	return append([]Peer(nil), d.peers...), nil
}

// MDNSDiscovererConfig configures LAN discovery.
type MDNSDiscovererConfig struct {
	AppName string
	Debug   bool
	Self    entities.InstanceID
	Timeout time.Duration
	Logger  *zap.Logger
}

// MDNSDiscoverer browses the LAN for instances advertising the same service.
type MDNSDiscoverer struct {
	service string
	self    entities.InstanceID
	timeout time.Duration
	logger  *zap.Logger
}

// NewMDNSDiscoverer validates cfg.
func NewMDNSDiscoverer(cfg MDNSDiscovererConfig) (*MDNSDiscoverer, error) {
	if strings.TrimSpace(cfg.AppName) == "" {
		return nil, errors.New("sync: app name is required for discovery")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNSDiscoverer{
		service: ServiceName(cfg.AppName, cfg.Debug),
		self:    cfg.Self,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Discover runs one browse and returns every other instance that answered.
func (d *MDNSDiscoverer) Discover(ctx context.Context) ([]Peer, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(d.service)
	params.Entries = entries
	params.Timeout = d.timeout
	params.DisableIPv6 = true
	params.Logger = zap.NewStdLog(d.logger.Named("mdns"))

	var peers []Peer
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for entry := range entries {
			peer, ok := peerFromEntry(entry, d.self)
			if !ok {
				continue
			}
			d.logger.Debug("peer answered", zap.String("instance_id", peer.InstanceID.String()), zap.String("url", peer.URL))
			peers = append(peers, peer)
		}
	}()

	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-collected
	if err != nil {
		return nil, fmt.Errorf("sync: mdns query: %w", err)
	}
	return peers, nil
}

func peerFromEntry(entry *mdns.ServiceEntry, self entities.InstanceID) (Peer, bool) {
	if entry == nil || entry.AddrV4 == nil || entry.Port <= 0 {
		return Peer{}, false
	}
	peer, ok := parseTXT(entry.InfoFields)
	if !ok || peer.InstanceID == self {
		return Peer{}, false
	}
	peer.URL = "http://" + net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port))
	return peer, true
}

// parseTXT reads the advertised instance id, role and data version.
func parseTXT(fields []string) (Peer, bool) {
	var peer Peer
	for _, field := range fields {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		switch key {
		case txtInstanceID:
			instanceID, err := entities.ParseInstanceID(value)
			if err != nil {
				return Peer{}, false
			}
			peer.InstanceID = instanceID
		case txtRole:
			peer.IsPrime = value == rolePrime
		case txtDataVersion:
			version, err := strconv.ParseUint(value, 10, 8)
			if err != nil {
				return Peer{}, false
			}
			peer.DataVersion = uint8(version)
		}
	}
	return peer, peer.InstanceID != ""
}

// MultiDiscoverer merges several discoverers, keeping the first peer seen per URL.
type MultiDiscoverer struct {
	discoverers []Discoverer
	logger      *zap.Logger
}

// NewMultiDiscoverer skips nil discoverers.
func NewMultiDiscoverer(logger *zap.Logger, discoverers ...Discoverer) *MultiDiscoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	active := make([]Discoverer, 0, len(discoverers))
	for _, discoverer := range discoverers {
		if discoverer != nil {
			active = append(active, discoverer)
		}
	}
	return &MultiDiscoverer{discoverers: active, logger: logger}
}

// Discover fails only when every discoverer failed.
func (d *MultiDiscoverer) Discover(ctx context.Context) ([]Peer, error) {
	var (
		peers []Peer
		errs  []error
		seen  = make(map[string]struct{})
	)
	for _, discoverer := range d.discoverers {
		found, err := discoverer.Discover(ctx)
		if err != nil {
			d.logger.Warn("peer discovery failed", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		for _, peer := range found {
			if _, duplicate := seen[peer.URL]; duplicate {
				continue
			}
			seen[peer.URL] = struct{}{}
			peers = append(peers, peer)
		}
	}
	if len(errs) > 0 && len(errs) == len(d.discoverers) {
		return nil, errors.Join(errs...)
	}
	return peers, nil
}
