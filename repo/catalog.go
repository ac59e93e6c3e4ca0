package repo

import (
	"errors"
	"github.com/jinzhu/gorm"
	"math"
	"time"
)

// GetOwner loads an owner by handle.
func (d *Database) GetOwner(handle string) (*Owner, error) {
	var owner Owner
	err := d.View(func(db *gorm.DB) error {
		return db.Where("handle=?", handle).First(&owner).Error
	})
	if err != nil {
		return nil, err
	}
	return &owner, nil
}

// PutOwner creates or updates an owner.
func (d *Database) PutOwner(owner *Owner) error {
	return d.Update(func(db *gorm.DB) error {
		return db.Save(owner).Error
	})
}

// ListActiveOwners returns every owner in the active state that has at
// least one entry.
func (d *Database) ListActiveOwners() ([]Owner, error) {
	var owners []Owner
	err := d.View(func(db *gorm.DB) error {
		return db.Where("state=?", OwnerActive).
			Where("EXISTS (SELECT 1 FROM entries WHERE entries.owner_id = owners.id)").
			Order("last_seen desc").
			Find(&owners).Error
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return owners, nil
}

// ListOwnerEntries returns the owner's entries, most recent first. A
// limit of zero or less returns all of them.
func (d *Database) ListOwnerEntries(ownerID uint, limit int) ([]Entry, error) {
	var entries []Entry
	err := d.View(func(db *gorm.DB) error {
		q := db.Where("owner_id=?", ownerID).Order("created_at desc").Order("id desc")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&entries).Error
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return entries, nil
}

// PutEntry creates or updates an entry.
func (d *Database) PutEntry(entry *Entry) error {
	return d.Update(func(db *gorm.DB) error {
		return db.Save(entry).Error
	})
}

// GetNamingRecord loads the naming record of an owner.
func (d *Database) GetNamingRecord(ownerID uint) (*NamingRecord, error) {
	var rec NamingRecord
	err := d.View(func(db *gorm.DB) error {
		return db.Where("owner_id=?", ownerID).First(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertNamingRecord merges update into the owner's naming record,
// creating it if needed, and then clears the stat keys in drop.
func (d *Database) UpsertNamingRecord(ownerID uint, update NamingUpdate, drop []StatKey) (*NamingRecord, error) {
	var rec NamingRecord
	err := d.Update(func(db *gorm.DB) error {
		err := db.Where("owner_id=?", ownerID).First(&rec).Error
		if err != nil && !gorm.IsRecordNotFoundError(err) {
			return err
		}
		exists := err == nil
		rec.OwnerID = ownerID
		update.Apply(&rec, drop)
		if !exists {
			return db.Create(&rec).Error
		}
		return db.Save(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListStaleOwners returns owners holding a live naming record that are
// candidates for eviction.
func (d *Database) ListStaleOwners(q StaleQuery) ([]Owner, error) {
	var owners []Owner
	err := d.View(func(db *gorm.DB) error {
		tx := db.Select("owners.*").
			Joins("JOIN naming_records ON naming_records.owner_id = owners.id").
			Where("naming_records.purged IS NULL OR naming_records.purged = ?", false).
			Where("owners.eth_address = ?", "")
		if !q.SeenBefore.IsZero() {
			tx = tx.Where("owners.last_seen < ? OR owners.state = ?", q.SeenBefore, OwnerRestricted)
		}
		if q.Ascending {
			tx = tx.Order("owners.last_seen asc")
		} else {
			tx = tx.Order("owners.last_seen desc")
		}
		tx = tx.Order("owners.id asc")
		if q.Limit > 0 {
			tx = tx.Limit(q.Limit)
		} else if q.Cursor > 0 {
			// An offset needs a limit on sqlite.
			tx = tx.Limit(math.MaxInt32)
		}
		if q.Cursor > 0 {
			tx = tx.Offset(q.Cursor)
		}
		return tx.Find(&owners).Error
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return owners, nil
}

// ListPublishedCIDs returns the current root of every live naming record.
func (d *Database) ListPublishedCIDs() ([]string, error) {
	var recs []NamingRecord
	err := d.View(func(db *gorm.DB) error {
		return db.Where("last_published_cid <> ?", "").
			Where("purged IS NULL OR purged = ?", false).
			Find(&recs).Error
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.LastPublishedCID)
	}
	return ids, nil
}

// ListCompactionCandidates returns uncompacted entries, skipping the
// offset most recent entries of the whole corpus.
func (d *Database) ListCompactionCandidates(limit, offset int) ([]Entry, error) {
	var entries []Entry
	err := d.View(func(db *gorm.DB) error {
		q := db.Where("compacted = ?", false)
		if offset > 0 {
			var recent []uint
			err := db.Model(&Entry{}).Order("created_at desc").Order("id desc").Limit(offset).Pluck("id", &recent).Error
			if err != nil {
				return err
			}
			if len(recent) > 0 {
				q = q.Where("id NOT IN (?)", recent)
			}
		}
		q = q.Order("created_at desc").Order("id desc")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&entries).Error
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return entries, nil
}

// ActiveAggregate returns the aggregate currently receiving links.
func (d *Database) ActiveAggregate() (*Aggregate, error) {
	var agg Aggregate
	err := d.View(func(db *gorm.DB) error {
		return db.Where("active = ?", true).Order("id desc").First(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// SaveAggregate creates or updates an aggregate. Activating an
// aggregate deactivates every other one.
func (d *Database) SaveAggregate(agg *Aggregate) error {
	return d.Update(func(db *gorm.DB) error {
		if err := db.Save(agg).Error; err != nil {
			return err
		}
		if !agg.Active {
			return nil
		}
		return db.Model(&Aggregate{}).Where("id <> ?", agg.ID).Update("active", false).Error
	})
}

// MarkCompacted records that the entries were folded into an aggregate.
func (d *Database) MarkCompacted(entryIDs []uint, aggregateID uint) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return d.Update(func(db *gorm.DB) error {
		return db.Model(&Entry{}).Where("id IN (?)", entryIDs).
			Updates(map[string]interface{}{"compacted": true, "aggregate_id": aggregateID}).Error
	})
}

// TouchOwner records activity for an owner.
func (d *Database) TouchOwner(ownerID uint, seen time.Time) error {
	return d.Update(func(db *gorm.DB) error {
		return db.Model(&Owner{}).Where("id = ?", ownerID).Update("last_seen", seen).Error
	})
}
