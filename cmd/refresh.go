package cmd

import (
	"context"
	"errors"
	"github.com/cpacia/feedpinner/publisher"
	"github.com/cpacia/feedpinner/repo"
)

// Refresh publishes the given owners once, or every active owner when
// --all is set, and exits.
type Refresh struct {
	repo.Config

	All   bool `long:"all" description:"Refresh every active owner"`
	Force bool `long:"force" description:"Rebuild the root directories from scratch"`
	Args  struct {
		Handles []string `positional-arg-name:"handle"`
	} `positional-args:"yes"`
}

// Execute runs the refresh.
func (x *Refresh) Execute(args []string) error {
	if !x.All && len(x.Args.Handles) == 0 {
		return errors.New("no owner handle given")
	}

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

	if x.All {
		outcomes, err := pub.RefreshAll(ctx)
		if err != nil {
			return err
		}
		return printJSON(outcomeReport(outcomes))
	}

	outcomes := make([]publisher.Outcome, 0, len(x.Args.Handles))
	for _, handle := range x.Args.Handles {
		res, err := pub.Refresh(ctx, handle, publisher.RefreshOptions{
			Limit:         cfg.RefreshLimit,
			ForceReplace:  x.Force,
			UseManagedKey: cfg.ManagedKeys,
		})
		outcomes = append(outcomes, publisher.Outcome{Key: handle, Result: res, Err: err})
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return printJSON(outcomeReport(outcomes))
}

type refreshLine struct {
	Handle           string `json:"handle"`
	LastPublishedCID string `json:"lastPublishedCid,omitempty"`
	MissingCount     int    `json:"missingCount"`
	Attempts         int    `json:"attempts"`
	Published        bool   `json:"published"`
	Error            string `json:"error,omitempty"`
}

func outcomeReport(outcomes []publisher.Outcome) []refreshLine {
	lines := make([]refreshLine, 0, len(outcomes))
	for _, o := range outcomes {
		line := refreshLine{Handle: o.Key}
		if o.Err != nil {
			line.Error = o.Err.Error()
		}
		if o.Result != nil {
			if o.Result.LastPublishedCID.Defined() {
				line.LastPublishedCID = o.Result.LastPublishedCID.String()
			}
			line.MissingCount = o.Result.MissingCount
			line.Attempts = o.Result.Attempts
			line.Published = o.Result.Published
		}
		lines = append(lines, line)
	}
	return lines
}
