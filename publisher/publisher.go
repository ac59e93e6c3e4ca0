// Package publisher keeps owners' feed directories published under
// their names and manages the pins behind them.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"github.com/cpacia/feedpinner/bundle"
	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
	"github.com/op/go-logging"
	"io"
	"net/http"
	"sync"
	"time"
)

var log = logging.MustGetLogger("PUBLR")

// Options wire a Publisher. Catalog, Pool and Pinner are required.
type Options struct {
	Catalog Catalog
	Pool    *store.Pool
	Pinner  store.Pinner
	Builder BundleBuilder

	Concurrency    int
	RefreshLimit   int
	RecordLifetime time.Duration
	UseManagedKeys bool

	CompactLimit  int
	CompactOffset int

	Limits         Limits
	UsageThreshold float64

	// Intervals of the background loops run by Start. A zero interval
	// disables its loop.
	RefreshInterval time.Duration
	CompactInterval time.Duration
	PurgeInterval   time.Duration

	// ResolverListen is the address of the resolver API. Empty disables
	// it.
	ResolverListen string

	// Closers are closed by Stop.
	Closers []io.Closer
}

// Publisher refreshes owners, compacts pins and evicts stale names.
type Publisher struct {
	catalog Catalog
	pool    *store.Pool
	pinner  store.Pinner
	builder BundleBuilder

	pins      *PinReconciler
	dirs      *DirectorySync
	registrar *Registrar
	compactor *Compactor
	evictor   *Evictor
	scheduler *Scheduler

	opts Options

	subs   map[uint64]*Subscription
	subMtx sync.RWMutex

	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
}

// New returns a publisher over the given backends.
func New(opts Options) (*Publisher, error) {
	if opts.Catalog == nil || opts.Pool == nil || opts.Pinner == nil {
		return nil, errors.New("catalog, pool and pinner are required")
	}
	if opts.Builder == nil {
		opts.Builder = bundle.NewDefault("")
	}
	if opts.UsageThreshold <= 0 {
		opts.UsageThreshold = DefaultUsageThreshold
	}

	ctx, cancel := context.WithCancel(context.Background())
	pins := NewPinReconciler(opts.Pinner, opts.Pool)
	return &Publisher{
		catalog:   opts.Catalog,
		pool:      opts.Pool,
		pinner:    opts.Pinner,
		builder:   opts.Builder,
		pins:      pins,
		dirs:      NewDirectorySync(pins),
		registrar: NewRegistrar(opts.Catalog, opts.Pool, opts.RecordLifetime),
		compactor: NewCompactor(opts.Catalog, opts.Pool, opts.Pinner, pins),
		evictor:   NewEvictor(opts.Catalog, opts.Pool, opts.Pinner, opts.Limits),
		scheduler: NewScheduler(opts.Concurrency),
		opts:      opts,
		subs:      make(map[uint64]*Subscription),
		ctx:       ctx,
		cancel:    cancel,
		shutdown:  make(chan struct{}),
	}, nil
}

// NewPublisher builds the catalog, store pool and pinner described by
// cfg.
func NewPublisher(cfg *repo.Config) (*Publisher, error) {
	var closers []io.Closer
	fail := func(err error) (*Publisher, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	dbOpts, err := cfg.DatabaseOptions()
	if err != nil {
		return nil, err
	}
	db, err := repo.NewDatabase(cfg.DataDir, dbOpts...)
	if err != nil {
		return nil, err
	}
	closers = append(closers, db)

	var (
		members []store.Client
		cores   []*store.CoreStore
	)
	for _, addr := range cfg.StoreNodes {
		if addr == repo.EmbeddedStoreNode {
			e, err := store.NewEmbedded(context.Background())
			if err != nil {
				return fail(err)
			}
			closers = append(closers, e)
			members = append(members, e)
			cores = append(cores, e.CoreStore)
			continue
		}
		s, err := store.NewRemote(addr)
		if err != nil {
			return fail(err)
		}
		members = append(members, s)
		cores = append(cores, s)
	}
	pool, err := store.NewPool(members...)
	if err != nil {
		return fail(err)
	}

	var pinner store.Pinner
	if cfg.PinServiceURL != "" {
		var importer store.BlockImporter = cores[0]
		if cfg.DAGImportNode != "" {
			if importer, err = store.NewRemote(cfg.DAGImportNode); err != nil {
				return fail(err)
			}
		}
		pinner = store.NewPinService(cfg.PinServiceURL, cfg.PinServiceToken, importer)
	} else {
		pinner = store.NewLocalPinner(cores[0])
	}

	return New(Options{
		Catalog:         db,
		Pool:            pool,
		Pinner:          pinner,
		Builder:         bundle.NewDefault(cfg.GatewayHost),
		Concurrency:     int(cfg.Concurrency),
		RefreshLimit:    cfg.RefreshLimit,
		RecordLifetime:  cfg.RecordLifetime,
		UseManagedKeys:  cfg.ManagedKeys,
		CompactLimit:    cfg.CompactLimit,
		CompactOffset:   cfg.CompactOffset,
		UsageThreshold:  cfg.UsageThreshold,
		RefreshInterval: cfg.RefreshInterval,
		CompactInterval: cfg.CompactInterval,
		PurgeInterval:   cfg.PurgeInterval,
		ResolverListen:  cfg.ResolverListen,
		Limits: Limits{
			Pins:  cfg.PinLimit,
			Bytes: cfg.ByteLimit,
			Names: cfg.NameLimit,
		},
		Closers: closers,
	})
}

// Refresh publishes the current state of one owner. It fails with
// ErrInFlight when the owner is already being refreshed.
func (p *Publisher) Refresh(ctx context.Context, handle string, opts RefreshOptions) (*RefreshResult, error) {
	res, err := p.scheduler.Do(ctx, handle, func(ctx context.Context, key string) (*RefreshResult, error) {
		return p.refresh(ctx, key, opts)
	})
	if err != nil {
		return nil, err
	}
	p.notifySubscribers(res)
	return res, nil
}

// RefreshAll refreshes every active owner with the configured limit.
func (p *Publisher) RefreshAll(ctx context.Context) ([]Outcome, error) {
	owners, err := p.catalog.ListActiveOwners()
	if err != nil {
		return nil, err
	}
	handles := make([]string, 0, len(owners))
	for _, o := range owners {
		handles = append(handles, o.Handle)
	}
	opts := RefreshOptions{
		Limit:         p.opts.RefreshLimit,
		UseManagedKey: p.opts.UseManagedKeys,
	}
	outcomes := p.scheduler.Run(ctx, handles, func(ctx context.Context, key string) (*RefreshResult, error) {
		res, err := p.refresh(ctx, key, opts)
		if err == nil {
			p.notifySubscribers(res)
		}
		return res, err
	})

	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	log.Infof("Refreshed %d owners, %d failed", len(outcomes)-failed, failed)
	return outcomes, nil
}

// CompactRecent folds older entry pins into aggregates.
func (p *Publisher) CompactRecent(ctx context.Context, opts CompactOptions) (*CompactionReport, error) {
	return p.compactor.CompactRecent(ctx, opts)
}

// PurgeExpired evicts stale names and pins when usage is too high.
func (p *Publisher) PurgeExpired(ctx context.Context, opts PurgeOptions) (*EvictionReport, error) {
	if opts.UsageThreshold <= 0 {
		opts.UsageThreshold = p.opts.UsageThreshold
	}
	return p.evictor.PurgeExpired(ctx, opts)
}

// Start runs the background loops and the resolver API.
func (p *Publisher) Start() error {
	if p.opts.ResolverListen != "" {
		p.server = &http.Server{
			Addr:    p.opts.ResolverListen,
			Handler: p.Handler(),
		}
		log.Infof("Resolver server listening on %s", p.opts.ResolverListen)
		go func() {
			if err := p.server.ListenAndServe(); err != nil {
				log.Debugf("Finished serving resolver: %v", err)
			}
		}()
	}

	go func() {
		refreshTicker := newTicker(p.opts.RefreshInterval)
		compactTicker := newTicker(p.opts.CompactInterval)
		purgeTicker := newTicker(p.opts.PurgeInterval)
		defer refreshTicker.Stop()
		defer compactTicker.Stop()
		defer purgeTicker.Stop()

		for {
			select {
			case <-refreshTicker.C:
				if _, err := p.RefreshAll(p.ctx); err != nil {
					log.Errorf("Error refreshing owners: %s", err)
				}
			case <-compactTicker.C:
				_, err := p.CompactRecent(p.ctx, CompactOptions{
					Limit:  p.opts.CompactLimit,
					Offset: p.opts.CompactOffset,
				})
				if err != nil {
					log.Errorf("Error compacting pins: %s", err)
				}
			case <-purgeTicker.C:
				if _, err := p.PurgeExpired(p.ctx, PurgeOptions{}); err != nil {
					log.Errorf("Error evicting: %s", err)
				}
			case <-p.shutdown:
				return
			}
		}
	}()
	return nil
}

// Stop ends the background loops and closes the backends.
func (p *Publisher) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		close(p.shutdown)
		p.cancel()
		if p.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			if e := p.server.Shutdown(ctx); e != nil {
				log.Errorf("Error stopping resolver: %s", e)
			}
		}
		for _, c := range p.opts.Closers {
			if e := c.Close(); e != nil && err == nil {
				err = fmt.Errorf("close: %w", e)
			}
		}
	})
	return err
}

// ticker wraps time.Ticker so that a disabled loop never fires.
type ticker struct {
	C    <-chan time.Time
	stop func()
}

func (t ticker) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{C: make(chan time.Time)}
	}
	t := time.NewTicker(d)
	return ticker{C: t.C, stop: t.Stop}
}
