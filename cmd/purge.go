package cmd

import (
	"context"
	"encoding/json"
	"github.com/cpacia/feedpinner/publisher"
	"github.com/cpacia/feedpinner/repo"
	"os"
	"os/signal"
	"syscall"
)

// Purge runs one eviction pass and exits.
type Purge struct {
	repo.Config
}

// Execute runs the eviction.
func (x *Purge) Execute(args []string) error {
	cfg, err := repo.LoadConfig()
	if err != nil {
		return err
	}

	pub, err := publisher.NewPublisher(cfg)
	if err != nil {
		return err
	}
	defer pub.Stop()

	ctx, cancel := interruptContext()
	defer cancel()

	report, err := pub.PurgeExpired(ctx, publisher.PurgeOptions{
		UsageThreshold: cfg.UsageThreshold,
	})
	if err != nil {
		return err
	}
	return printJSON(report)
}

// interruptContext returns a context cancelled on the first interrupt.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			log.Info("Interrupted, cancelling...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()
	return ctx, cancel
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	return enc.Encode(v)
}
