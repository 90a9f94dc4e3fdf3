package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"peerchat/store"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background presence scan interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each presence scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS presence announcement and scanning behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	SelfUserID  string
	Username    string
	Email       string
	GatewayPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.SelfUserID) == "" {
		return errors.New("self user ID is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username is required")
	}
	if c.GatewayPort <= 0 {
		return errors.New("gateway port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfUserID) == "" {
		return errors.New("self user ID is required")
	}
	return nil
}

// Announcer advertises the local user's presence via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers and starts the mDNS presence broadcast.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	txt := []string{
		"user_id=" + cfg.SelfUserID,
		"username=" + cfg.Username,
		"email=" + cfg.Email,
		"version=" + strconv.Itoa(cfg.Version),
	}

	server, err := cfg.registerFn(cfg.Username, cfg.Service, cfg.Domain, cfg.GatewayPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop stops the mDNS broadcast.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service coordinates presence announcement, scanning, and the user
// directory writer that mirrors scan results into the store.
type Service struct {
	Announcer *Announcer
	Scanner   *UserScanner
	directory *DirectoryWriter
}

// Start starts announcer, scanner, and directory writer using one config.
func Start(config Config, st store.Store) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewUserScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		announcer.Stop()
		return nil, err
	}

	directory := NewDirectoryWriter(st)
	directory.Run(scanner.Events())

	return &Service{
		Announcer: announcer,
		Scanner:   scanner,
		directory: directory,
	}, nil
}

// Stop stops scanner, directory writer, and announcer.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.directory != nil {
		s.directory.Wait()
	}
	if s.Announcer != nil {
		s.Announcer.Stop()
	}
}
