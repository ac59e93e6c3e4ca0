package cmd

import (
	"github.com/cpacia/feedpinner/publisher"
	"github.com/cpacia/feedpinner/repo"
)

// Compact runs one compaction pass and exits.
type Compact struct {
	repo.Config
}

// Execute runs the compaction.
func (x *Compact) Execute(args []string) error {
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

	report, err := pub.CompactRecent(ctx, publisher.CompactOptions{
		Limit:  cfg.CompactLimit,
		Offset: cfg.CompactOffset,
	})
	if err != nil {
		return err
	}
	return printJSON(report)
}
