package repo

import (
	"errors"
	"testing"

	"github.com/jinzhu/gorm"
)

func TestOptions_Source(t *testing.T) {
	tests := []struct {
		opts    Options
		dialect string
		source  string
	}{
		{
			opts:    Options{Dialect: "test", Name: DefaultDatabaseName},
			dialect: "sqlite3",
			source:  ":memory:",
		},
		{
			opts:    Options{Dialect: "SQLite3", Name: "catalog"},
			dialect: "sqlite3",
			source:  "/data/catalog.db",
		},
		{
			opts:    Options{Dialect: "mysql", Host: "db", User: "u", Password: "p", Name: DefaultDatabaseName},
			dialect: "mysql",
			source:  "u:p@(db:3306)/feedpinner?charset=utf8&parseTime=True",
		},
		{
			opts:    Options{Dialect: "postgres", Host: "db", Port: 6000, User: "u", Password: "p", Name: "pins"},
			dialect: "postgres",
			source:  "host=db port=6000 user=u dbname=pins password=p",
		},
	}
	for _, test := range tests {
		dialect, source, err := test.opts.source("/data")
		if err != nil {
			t.Fatal(err)
		}
		if dialect != test.dialect {
			t.Errorf("Expected dialect %s, got %s", test.dialect, dialect)
		}
		if source != test.source {
			t.Errorf("Expected source %s, got %s", test.source, source)
		}
	}

	if _, _, err := (&Options{Dialect: "oracle"}).source("/data"); err == nil {
		t.Error("Expected error for unknown dialect")
	}
}

func TestNewDatabase_EmptyName(t *testing.T) {
	if _, err := NewDatabase("", Dialect("test"), Name("")); err == nil {
		t.Fatal("Expected error for empty database name")
	}
}

func TestDatabase_Transactions(t *testing.T) {
	db := mockDatabase(t)

	err := db.View(func(tx *gorm.DB) error {
		var owner Owner
		return tx.Where("handle=?", "nobody").First(&owner).Error
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	// Writes made inside View are discarded.
	err = db.View(func(tx *gorm.DB) error {
		return tx.Save(&Owner{Handle: "alice", State: OwnerActive}).Error
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetOwner("alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	failed := errors.New("failed")
	err = db.Update(func(tx *gorm.DB) error {
		if err := tx.Save(&Owner{Handle: "bob", State: OwnerActive}).Error; err != nil {
			return err
		}
		return failed
	})
	if !errors.Is(err, failed) {
		t.Fatalf("Expected update error, got %v", err)
	}
	if _, err := db.GetOwner("bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	err = db.Update(func(tx *gorm.DB) error {
		return tx.Save(&Owner{Handle: "carol", State: OwnerActive}).Error
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.GetOwner("carol"); err != nil {
		t.Fatal(err)
	}
}
