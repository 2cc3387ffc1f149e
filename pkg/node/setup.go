package node

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/config"
	"github.com/ZentaChain/zentalk-link/pkg/network"
	"github.com/ZentaChain/zentalk-link/pkg/protocol"
)

// Transport is a frame transport that owns resources
type Transport interface {
	protocol.Transport
	io.Closer
}

// NewConfig maps file configuration onto a node Config. Metrics, Recorder
// and Logger are left for the caller.
func NewConfig(cfg *config.Config) (*Config, error) {
	local, err := cfg.LocalParams()
	if err != nil {
		return nil, err
	}
	destination, err := cfg.DestinationParams()
	if err != nil {
		return nil, err
	}

	return &Config{
		LocalAddress:       cfg.LocalAddress,
		DestinationAddress: cfg.DestinationAddress,
		LocalParams:        local,
		DestinationParams:  destination,
		ReceiveTimeout:     cfg.ReceiveTimeout,
		PollInterval:       cfg.PollInterval,
		PinPeer:            cfg.PinPeer,
	}, nil
}

// NewTransport builds the transport selected by cfg.Transport.Kind
func NewTransport(cfg *config.Config, logger *zap.Logger) (Transport, error) {
	book, err := cfg.AddressBook()
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded address book", zap.Stringers("peers", book.Addresses()))

	switch cfg.Transport.Kind {
	case config.TransportUDP:
		t, err := network.ListenUDP(cfg.Transport.Listen, book, &network.UDPConfig{
			Retry:      cfg.RetryPolicy(),
			AckTimeout: cfg.Transport.AckTimeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Listening for frames", zap.String("endpoint", t.LocalEndpoint()))
		return t, nil

	case config.TransportLibp2p:
		p2pConfig := network.DefaultP2PConfig()
		p2pConfig.Retry = cfg.RetryPolicy()
		p2pConfig.Logger = logger
		if cfg.Transport.AckTimeout > 0 {
			p2pConfig.AckTimeout = cfg.Transport.AckTimeout
		}
		if cfg.Transport.Identity != "" {
			identity, err := network.LoadIdentity(cfg.Transport.Identity)
			if err != nil {
				return nil, err
			}
			p2pConfig.Identity = identity
		}

		t, err := network.NewP2PTransport(cfg.Transport.Listen, book, p2pConfig)
		if err != nil {
			return nil, err
		}
		for _, addr := range t.Addrs() {
			logger.Info("Listening for frames", zap.String("multiaddr", addr))
		}
		return t, nil

	default:
		return nil, fmt.Errorf("%w: unknown transport kind %q", config.ErrInvalidConfig, cfg.Transport.Kind)
	}
}
