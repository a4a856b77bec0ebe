package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

// AdvertiserConfig describes the instance announced on the LAN.
type AdvertiserConfig struct {
	AppName     string
	Debug       bool
	InstanceID  entities.InstanceID
	DataVersion uint8
	IsPrime     bool
	Port        int
	Logger      *zap.Logger
}

// Advertiser answers mDNS queries for this instance while running.
type Advertiser struct {
	service string
	config  AdvertiserConfig
	logger  *zap.Logger
}

// NewAdvertiser validates cfg.
func NewAdvertiser(cfg AdvertiserConfig) (*Advertiser, error) {
	if cfg.AppName == "" {
		return nil, errors.New("sync: app name is required for advertising")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("sync: instance id is required for advertising")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("sync: invalid advertised port %d", cfg.Port)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advertiser{service: ServiceName(cfg.AppName, cfg.Debug), config: cfg, logger: logger}, nil
}

// TXT returns the records peers read in parseTXT.
func (a *Advertiser) TXT() []string {
	role := roleReplica
	if a.config.IsPrime {
		role = rolePrime
	}
	return []string{
		txtInstanceID + "=" + a.config.InstanceID.String(),
		txtRole + "=" + role,
		txtDataVersion + "=" + strconv.Itoa(int(a.config.DataVersion)),
	}
}

// Run advertises until ctx is done.
func (a *Advertiser) Run(ctx context.Context) error {
	zone, err := mdns.NewMDNSService(a.config.InstanceID.String(), a.service, "", "", a.config.Port, nil, a.TXT())
	if err != nil {
		return fmt.Errorf("sync: build mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone, Logger: zap.NewStdLog(a.logger.Named("mdns"))})
	if err != nil {
		return fmt.Errorf("sync: start mdns server: %w", err)
	}
	a.logger.Info("advertising instance",
		zap.String("service", a.service),
		zap.Int("port", a.config.Port),
		zap.Bool("prime", a.config.IsPrime))

	<-ctx.Done()
	if err := server.Shutdown(); err != nil {
		return fmt.Errorf("sync: stop mdns server: %w", err)
	}
	a.logger.Info("advertising stopped")
	return nil
}
