package repo

import (
	"time"
)

// OwnerState is the moderation state of an owner account.
type OwnerState string

const (
	OwnerActive     OwnerState = "active"
	OwnerRestricted OwnerState = "restricted"
	OwnerSuspended  OwnerState = "suspended"
)

// Owner is the database model for an account publishing entries.
type Owner struct {
	ID          uint   `gorm:"primary_key"`
	Handle      string `gorm:"unique_index"`
	DisplayName string
	About       string
	EthAddress  string `gorm:"index"`
	AvatarCID   string
	CoverCID    string
	State       OwnerState `gorm:"index"`
	LastSeen    time.Time  `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entry is the database model for one content item of an owner.
type Entry struct {
	ID          uint   `gorm:"primary_key"`
	OwnerID     uint   `gorm:"index"`
	Slug        string `gorm:"index"`
	Title       string
	Summary     string
	ContentHash string    `gorm:"index"`
	CreatedAt   time.Time `gorm:"index"`
	Compacted   bool      `gorm:"index"`
	AggregateID uint
}

// NamingRecord holds the publication state of one owner. The stat
// fields are optional and are cleared by listing their StatKey in the
// drop set of UpsertNamingRecord.
type NamingRecord struct {
	OwnerID          uint `gorm:"primary_key;auto_increment:false"`
	KeyID            string
	KeyAlias         string
	PrivateKey       []byte
	PoolIndex        int
	Sequence         uint64
	Record           []byte
	LastPublishedCID string `gorm:"index"`
	LastPublishedAt  time.Time
	UsesManagedKey   bool

	WebHost             *string
	MissingCount        *int
	RetriesAfterMissing *int
	Purged              *bool `gorm:"index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsPurged returns whether the record was removed by the evictor.
func (r *NamingRecord) IsPurged() bool {
	return r.Purged != nil && *r.Purged
}

// Aggregate is a compaction directory folding many individually
// pinned entries into one pin.
type Aggregate struct {
	ID        uint   `gorm:"primary_key"`
	Name      string `gorm:"unique_index"`
	CID       string
	Links     int
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatKey names one optional field of a NamingRecord.
type StatKey string

const (
	StatWebHost             StatKey = "webHost"
	StatMissingCount        StatKey = "missingCount"
	StatRetriesAfterMissing StatKey = "retriesAfterMissing"
	StatPurged              StatKey = "purged"
)

// NamingUpdate is merged into a NamingRecord. Nil fields are left
// untouched.
type NamingUpdate struct {
	KeyID            *string
	KeyAlias         *string
	PrivateKey       []byte
	PoolIndex        *int
	Sequence         *uint64
	Record           []byte
	LastPublishedCID *string
	LastPublishedAt  *time.Time
	UsesManagedKey   *bool

	WebHost             *string
	MissingCount        *int
	RetriesAfterMissing *int
	Purged              *bool
}

// Apply merges u into rec and then clears every key in drop.
func (u NamingUpdate) Apply(rec *NamingRecord, drop []StatKey) {
	if u.KeyID != nil {
		rec.KeyID = *u.KeyID
	}
	if u.KeyAlias != nil {
		rec.KeyAlias = *u.KeyAlias
	}
	if u.PrivateKey != nil {
		rec.PrivateKey = u.PrivateKey
	}
	if u.PoolIndex != nil {
		rec.PoolIndex = *u.PoolIndex
	}
	if u.Sequence != nil {
		rec.Sequence = *u.Sequence
	}
	if u.Record != nil {
		rec.Record = u.Record
	}
	if u.LastPublishedCID != nil {
		rec.LastPublishedCID = *u.LastPublishedCID
	}
	if u.LastPublishedAt != nil {
		rec.LastPublishedAt = *u.LastPublishedAt
	}
	if u.UsesManagedKey != nil {
		rec.UsesManagedKey = *u.UsesManagedKey
	}
	if u.WebHost != nil {
		rec.WebHost = u.WebHost
	}
	if u.MissingCount != nil {
		rec.MissingCount = u.MissingCount
	}
	if u.RetriesAfterMissing != nil {
		rec.RetriesAfterMissing = u.RetriesAfterMissing
	}
	if u.Purged != nil {
		rec.Purged = u.Purged
	}

	for _, k := range drop {
		switch k {
		case StatWebHost:
			rec.WebHost = nil
		case StatMissingCount:
			rec.MissingCount = nil
		case StatRetriesAfterMissing:
			rec.RetriesAfterMissing = nil
		case StatPurged:
			rec.Purged = nil
		}
	}
}

// StaleQuery selects eviction candidates. Owners with an EthAddress and
// owners without a live naming record are never returned.
type StaleQuery struct {
	// Cursor is the number of matching owners to skip.
	Cursor int
	Limit  int
	// Ascending orders from least recently seen.
	Ascending bool
	// SeenBefore, when set, restricts to owners last seen before it or
	// in the restricted state.
	SeenBefore time.Time
}
