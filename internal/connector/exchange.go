package connector

import (
	"context"
	"strings"
	"time"

	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
)

// Emit receives one raw frame from the transport. It may be called from
// goroutines the connector does not own (vendor SDK callbacks).
type Emit func(frame []byte)

// Exchange is the venue-specific half of a StreamConnector. The connector
// calls Connect, Subscribe and MessageLoop in order for every session and
// Disconnect after it ends; Parse is called synchronously for each frame.
type Exchange interface {
	Name() string
	Connect(ctx context.Context) error
	// Subscribe requests quotes for instruments. Callback-driven transports
	// register emit here.
	Subscribe(ctx context.Context, instruments []string, emit Emit) error
	// MessageLoop blocks until the session fails or ctx is done.
	MessageLoop(ctx context.Context, emit Emit) error
	Disconnect() error
	// Parse returns nil, nil for frames that carry no quote (acks, pongs).
	Parse(frame []byte) (*models.Ticker, error)
}

// InstrumentLister is implemented by exchanges that can describe their
// tradable instruments over REST. Keys are upper-case instrument ids.
type InstrumentLister interface {
	ListInstruments(ctx context.Context) (map[string]models.InstrumentSpec, error)
}

// LivenessWatcher is implemented by exchanges whose transport delivers
// frames on foreign goroutines. The connector hands them its receipt clock
// so MessageLoop can detect silence without sharing state with callbacks.
type LivenessWatcher interface {
	WatchLiveness(last func() time.Time)
}

// Config is the immutable per-connector configuration.
type Config struct {
	Name                  string
	Instruments           []string
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	// MaxRetries bounds consecutive failed sessions; 0 retries forever.
	MaxRetries         int
	QueueSize          int
	StalenessThreshold time.Duration
	LogWindow          time.Duration
}

// NewConfig derives the connector configuration from an exchange section.
func NewConfig(ex config.ExchangeConfig, instruments []string, logWindow time.Duration) Config {
	return Config{
		Name:                  ex.Name,
		Instruments:           append([]string(nil), instruments...),
		InitialReconnectDelay: ex.InitialReconnectDelay,
		MaxReconnectDelay:     ex.MaxReconnectDelay,
		MaxRetries:            ex.MaxRetries,
		QueueSize:             ex.QueueSize,
		StalenessThreshold:    ex.StalenessThreshold,
		LogWindow:             logWindow,
	}
}

func (c Config) instrumentSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Instruments))
	for _, inst := range c.Instruments {
		set[strings.ToUpper(inst)] = struct{}{}
	}
	return set
}

// LoadInstruments looks up the configured instruments on the venue and
// returns their specs keyed by upper-case id. With filter set, instruments
// the venue does not list are dropped. When the exchange cannot list
// instruments, or the lookup fails, the configured list is returned
// unchanged without specs.
func LoadInstruments(ctx context.Context, ex Exchange, instruments []string, filter bool, log *logger.Log) ([]string, map[string]models.InstrumentSpec) {
	lister, ok := ex.(InstrumentLister)
	if !ok {
		return instruments, nil
	}
	entry := log.WithComponent("instruments").WithExchange(ex.Name())

	listed, err := lister.ListInstruments(ctx)
	if err != nil {
		entry.WithError(err).Warn("instrument lookup failed; keeping configured list")
		return instruments, nil
	}

	kept := make([]string, 0, len(instruments))
	specs := make(map[string]models.InstrumentSpec, len(instruments))
	var unknown []string
	for _, inst := range instruments {
		key := strings.ToUpper(inst)
		spec, ok := listed[key]
		switch {
		case ok:
			specs[key] = spec
			kept = append(kept, inst)
		case filter:
			unknown = append(unknown, inst)
		default:
			kept = append(kept, inst)
		}
	}
	if len(unknown) > 0 {
		entry.WithFields(logger.Fields{"unknown": unknown, "kept": len(kept)}).Warn("dropping instruments not listed by exchange")
	}
	entry.WithField("specs", len(specs)).Debug("instrument specs loaded")
	return kept, specs
}
