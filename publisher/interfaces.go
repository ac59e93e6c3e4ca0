package publisher

import (
	"github.com/cpacia/feedpinner/bundle"
	"github.com/cpacia/feedpinner/repo"
	"github.com/cpacia/feedpinner/store"
)

// Catalog supplies owners and entries and stores naming state.
// repo.Database implements it.
type Catalog interface {
	GetOwner(handle string) (*repo.Owner, error)
	ListActiveOwners() ([]repo.Owner, error)
	ListOwnerEntries(ownerID uint, limit int) ([]repo.Entry, error)
	GetNamingRecord(ownerID uint) (*repo.NamingRecord, error)
	UpsertNamingRecord(ownerID uint, update repo.NamingUpdate, drop []repo.StatKey) (*repo.NamingRecord, error)
	ListStaleOwners(q repo.StaleQuery) ([]repo.Owner, error)

	ListPublishedCIDs() ([]string, error)
	ListCompactionCandidates(limit, offset int) ([]repo.Entry, error)
	ActiveAggregate() (*repo.Aggregate, error)
	SaveAggregate(agg *repo.Aggregate) error
	MarkCompacted(entryIDs []uint, aggregateID uint) error
}

// BundleBuilder renders the files of an owner's site.
type BundleBuilder interface {
	BuildFeedFiles(site bundle.Site) ([]store.File, error)
	BuildActivityPubFiles(site bundle.Site) ([]store.File, error)
}

var (
	_ Catalog       = (*repo.Database)(nil)
	_ BundleBuilder = (*bundle.Default)(nil)
)
