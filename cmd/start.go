package cmd

import (
	"github.com/cpacia/feedpinner/publisher"
	"github.com/cpacia/feedpinner/repo"
	"github.com/op/go-logging"
	"os"
	"os/signal"
	"syscall"
)

var log = logging.MustGetLogger("CMD")

// Start is the main entry point for the publisher daemon. The options to
// this command are the same as the config options.
type Start struct {
	repo.Config
}

// Execute starts the publisher and blocks until it is interrupted.
func (x *Start) Execute(args []string) error {
	cfg, err := repo.LoadConfig()
	if err != nil {
		return err
	}

	pub, err := publisher.NewPublisher(cfg)
	if err != nil {
		return err
	}

	if err := pub.Start(); err != nil {
		return err
	}
	log.Infof("feedpinner %s started", repo.VersionString())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info("feedpinner stopping...")
	return pub.Stop()
}
