package repo

import (
	"errors"
	"fmt"
	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/mysql"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"path"
	"strings"
	"sync"
)

// DefaultDatabaseName names the sqlite file or the server side database.
const DefaultDatabaseName = "feedpinner"

// ErrNotFound is returned when a catalog lookup matches nothing.
var ErrNotFound = errors.New("not found")

// catalogModels are the tables owned by the catalog, in migration order.
var catalogModels = []interface{}{
	&Owner{},
	&Entry{},
	&NamingRecord{},
	&Aggregate{},
}

// Database is the catalog of owners, entries, naming records and
// aggregates. All access is serialized.
type Database struct {
	db  *gorm.DB
	mtx sync.Mutex
}

// NewDatabase opens and migrates the catalog. Sqlite3, Mysql and
// Postgres are supported. The "test" dialect is an in-memory sqlite3
// database.
func NewDatabase(dataDir string, opts ...Option) (*Database, error) {
	options := Options{
		Host:    "localhost",
		Dialect: "sqlite3",
		Name:    DefaultDatabaseName,
	}
	if err := options.Apply(opts...); err != nil {
		return nil, err
	}

	dialect, source, err := options.source(dataDir)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialect, source)
	if err != nil {
		return nil, err
	}

	// A single connection keeps an in-memory sqlite database alive
	// across transactions.
	if dialect == "sqlite3" {
		db.DB().SetMaxOpenConns(1)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(catalogModels...).Error; err != nil {
		return err
	}
	// Entries are always read per owner, newest first.
	return db.Model(&Entry{}).AddIndex("idx_entries_owner_created", "owner_id", "created_at").Error
}

// View runs fn inside a transaction that is rolled back once fn returns.
func (d *Database) View(fn func(db *gorm.DB) error) error {
	return d.transact(fn, false)
}

// Update runs fn inside a transaction that is committed if fn succeeds.
func (d *Database) Update(fn func(db *gorm.DB) error) error {
	return d.transact(fn, true)
}

// transact reports a missing record as ErrNotFound.
func (d *Database) transact(fn func(db *gorm.DB) error, commit bool) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	tx := d.db.Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		if gorm.IsRecordNotFoundError(err) {
			return ErrNotFound
		}
		return err
	}
	if !commit {
		return tx.Rollback().Error
	}
	return tx.Commit().Error
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.db.Close()
}

// Options represents the database options.
type Options struct {
	Host     string
	Port     uint
	Dialect  string
	Name     string
	User     string
	Password string
}

// Apply sets the provided options in the main options struct.
func (o *Options) Apply(opts ...Option) error {
	for i, opt := range opts {
		if err := opt(o); err != nil {
			return fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return nil
}

// source returns the gorm dialect and data source for the options.
// Server dialects fall back to their default port.
func (o *Options) source(dataDir string) (string, string, error) {
	switch strings.ToLower(o.Dialect) {
	case "test":
		return "sqlite3", ":memory:", nil
	case "sqlite3":
		return "sqlite3", path.Join(dataDir, o.Name+".db"), nil
	case "mysql":
		port := o.Port
		if port == 0 {
			port = 3306
		}
		return "mysql", fmt.Sprintf("%s:%s@(%s:%d)/%s?charset=utf8&parseTime=True", o.User, o.Password, o.Host, port, o.Name), nil
	case "postgres":
		port := o.Port
		if port == 0 {
			port = 5432
		}
		return "postgres", fmt.Sprintf("host=%s port=%d user=%s dbname=%s password=%s", o.Host, port, o.User, o.Name, o.Password), nil
	}
	return "", "", fmt.Errorf("unknown database dialect %q", o.Dialect)
}

// Option represents a db option.
type Option func(*Options) error

// Host sets the host of a mysql or postgres server.
func Host(host string) Option {
	return func(o *Options) error {
		o.Host = host
		return nil
	}
}

// Port sets the port of a mysql or postgres server.
func Port(port uint) Option {
	return func(o *Options) error {
		o.Port = port
		return nil
	}
}

// Dialect sets the database type: sqlite3, mysql, postgres or test.
func Dialect(dialect string) Option {
	return func(o *Options) error {
		o.Dialect = dialect
		return nil
	}
}

// Name sets the database name. It must not be empty.
func Name(name string) Option {
	return func(o *Options) error {
		if name == "" {
			return errors.New("empty database name")
		}
		o.Name = name
		return nil
	}
}

// Password is the password for the mysql or postgres dbs.
func Password(pw string) Option {
	return func(o *Options) error {
		o.Password = pw
		return nil
	}
}

// User is the username for the mysql or postgres dbs.
func User(user string) Option {
	return func(o *Options) error {
		o.User = user
		return nil
	}
}
