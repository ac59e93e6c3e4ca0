package main

import (
	"github.com/cpacia/feedpinner/cmd"
	"github.com/jessevdk/go-flags"
	"github.com/op/go-logging"
	"os"
)

var log = logging.MustGetLogger("MAIN")

func main() {
	parser := flags.NewParser(nil, flags.Default)

	parser.AddCommand("start",
		"start the publisher",
		"Runs the publisher daemon: periodic refreshes, compaction, eviction and the resolver API",
		&cmd.Start{})
	parser.AddCommand("refresh",
		"refresh owners once",
		"Publishes the given owners, or every active owner with --all, and prints the results",
		&cmd.Refresh{})
	parser.AddCommand("compact",
		"compact entry pins",
		"Folds older entry pins into aggregate directories and prints the report",
		&cmd.Compact{})
	parser.AddCommand("purge",
		"evict stale names and pins",
		"Purges expired names and expendable pins when the backends are close to their limits",
		&cmd.Purge{})

	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.Error(err)
		os.Exit(1)
	}
}
