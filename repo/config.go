package repo

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/jessevdk/go-flags"
	"github.com/natefinch/lumberjack"
	"github.com/op/go-logging"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultConfigFilename = "feedpinner.conf"
	defaultLogFilename    = "feedpinner.log"

	// EmbeddedStoreNode selects an in-process node as a store pool member.
	EmbeddedStoreNode = "embedded"
)

var log = logging.MustGetLogger("REPO")

var (
	DefaultHomeDir    = AppDataDir("feedpinner", false)
	defaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)

	fileLogFormat   = logging.MustStringFormatter(`%{time:2006-01-02 T15:04:05.000} [%{level}] [%{module}] %{message}`)
	stdoutLogFormat = logging.MustStringFormatter(`%{color:reset}%{color}%{time:15:04:05} [%{level}] [%{module}] %{message}`)
	LogLevelMap     = map[string]logging.Level{
		"debug":    logging.DEBUG,
		"info":     logging.INFO,
		"notice":   logging.NOTICE,
		"warning":  logging.WARNING,
		"error":    logging.ERROR,
		"critical": logging.CRITICAL,
	}
)

// Config defines the configuration options for feedpinner.
//
// See LoadConfig for details on the configuration load process.
type Config struct {
	ShowVersion bool   `short:"v" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"d" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	LogLevel    string `short:"l" long:"loglevel" description:"Set the logging level [debug, info, notice, warning, error, critical]." default:"info"`

	StoreNodes      []string `short:"s" long:"storenode" description:"RPC API address of a store pool member (http://host:5001) or 'embedded' for an in-process node. The first one is the primary." default:"embedded"`
	PinServiceURL   string   `long:"pinservice" description:"Endpoint of the remote pinning service. Pins are kept on the primary store node when empty."`
	PinServiceToken string   `long:"pinservicetoken" description:"Bearer token for the remote pinning service"`
	DAGImportNode   string   `long:"dagimportnode" description:"RPC API address of the node receiving DAG imports for stalled pins"`
	GatewayHost     string   `long:"gateway" description:"Gateway host used for asset and feed URLs" default:"dweb.link"`

	Concurrency     uint          `short:"c" long:"concurrency" description:"Number of owners refreshed at the same time" default:"5"`
	RefreshInterval time.Duration `long:"refreshinterval" description:"Time between refreshes of all active owners" default:"1h"`
	RefreshLimit    int           `long:"refreshlimit" description:"Number of most recent entries published per owner. Zero publishes all of them."`
	RecordLifetime  time.Duration `long:"recordlifetime" description:"Validity of signed name records" default:"48h"`
	ManagedKeys     bool          `long:"managedkeys" description:"Mark issued name keys as managed by the service. Changing it rotates every owner key on its next refresh."`

	CompactInterval time.Duration `long:"compactinterval" description:"Time between compaction passes" default:"6h"`
	CompactLimit    int           `long:"compactlimit" description:"Number of entries considered per compaction pass" default:"500"`
	CompactOffset   int           `long:"compactoffset" description:"Number of most recent entries kept individually pinned" default:"1000"`

	PurgeInterval  time.Duration `long:"purgeinterval" description:"Time between quota eviction passes" default:"24h"`
	UsageThreshold float64       `long:"usagethreshold" description:"Usage ratio at which eviction starts" default:"0.9"`
	PinLimit       uint64        `long:"pinlimit" description:"Maximum number of pinned objects on the pinning backend" default:"100000"`
	ByteLimit      uint64        `long:"bytelimit" description:"Maximum number of pinned bytes on the pinning backend. Zero disables the check."`
	NameLimit      uint64        `long:"namelimit" description:"Maximum number of name records across the store pool" default:"10000"`

	ResolverListen string `long:"resolverlisten" description:"Interface/port for the resolver HTTP API. Disabled when empty."`

	DBDialect string `long:"dbdialect" description:"The type of database to use [sqlite3, mysql, postgres]" default:"sqlite3"`
	DBHost    string `long:"dbhost" description:"The host:port location of the database."`
	DBName    string `long:"dbname" description:"The name of the database or sqlite file" default:"feedpinner"`
	DBUser    string `long:"dbuser" description:"The database username"`
	DBPass    string `long:"dbpass" description:"The database password"`
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.
func LoadConfig() (*Config, error) {
	// Default config.
	cfg := Config{
		DataDir:    DefaultHomeDir,
		ConfigFile: defaultConfigFile,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.IgnoreUnknown)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil, err
		}
	}
	if preCfg.DataDir != cfg.DataDir && preCfg.ConfigFile == defaultConfigFile {
		preCfg.ConfigFile = filepath.Join(preCfg.DataDir, defaultConfigFilename)
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", VersionString())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default|flags.IgnoreUnknown)
	if _, err := os.Stat(preCfg.ConfigFile); os.IsNotExist(err) {
		err := createDefaultConfigFile(preCfg.ConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating a "+
				"default config file: %v\n", err)
		}
	}

	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config "+
				"file: %v\n", err)
			fmt.Fprintln(os.Stderr, usageMessage)
			return nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	if cfg.LogDir == "" {
		cfg.LogDir = cleanAndExpandPath(path.Join(cfg.DataDir, "logs"))
	}

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Errorf("%v", configFileError)
	}
	setupLogging(cfg.LogDir, cfg.LogLevel)
	return &cfg, nil
}

// Validate checks the option values that the flag parser cannot.
func (cfg *Config) Validate() error {
	if len(cfg.StoreNodes) == 0 {
		return errors.New("at least one store node is required")
	}

	if cfg.Concurrency == 0 {
		return errors.New("concurrency must not be zero")
	}

	if cfg.UsageThreshold <= 0 || cfg.UsageThreshold > 1 {
		return errors.New("usage threshold must be within (0, 1]")
	}

	if cfg.RefreshLimit < 0 || cfg.CompactLimit < 0 || cfg.CompactOffset < 0 {
		return errors.New("limits must not be negative")
	}

	if _, ok := LogLevelMap[strings.ToLower(cfg.LogLevel)]; !ok {
		return errors.New("invalid log level")
	}

	if cfg.PinServiceURL == "" && cfg.PinServiceToken != "" {
		return errors.New("pin service token set without a pin service")
	}
	return nil
}

// DatabaseOptions translates the db settings into database options.
func (cfg *Config) DatabaseOptions() ([]Option, error) {
	opts := []Option{
		User(cfg.DBUser),
		Password(cfg.DBPass),
		Dialect(cfg.DBDialect),
	}
	if cfg.DBName != "" {
		opts = append(opts, Name(cfg.DBName))
	}
	if cfg.DBHost != "" {
		if !strings.Contains(cfg.DBHost, ":") {
			return nil, errors.New("invalid host")
		}
		s := strings.Split(cfg.DBHost, ":")

		var port uint
		if _, err := fmt.Sscanf(s[1], "%d", &port); err != nil {
			return nil, err
		}

		opts = append(opts, Host(s[0]), Port(port))
	}
	return opts, nil
}

// createDefaultConfigFile copies the sample config to the given destination
// path, commenting out nothing and leaving every option at its default.
func createDefaultConfigFile(destinationPath string) error {
	// Create the destination directory if it does not exists
	err := os.MkdirAll(filepath.Dir(destinationPath), 0700)
	if err != nil {
		return err
	}

	dest, err := os.OpenFile(destinationPath,
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer dest.Close()

	reader := bufio.NewReader(strings.NewReader(sampleConfig))
	for err != io.EOF {
		var line string
		line, err = reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}

		if _, err := dest.WriteString(line); err != nil {
			return err
		}
	}

	return nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(DefaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

func setupLogging(logDir, logLevel string) {
	backendStdout := logging.NewLogBackend(os.Stdout, "", 0)
	backendStdoutFormatter := logging.NewBackendFormatter(backendStdout, stdoutLogFormat)
	if logDir != "" {
		rotator := &lumberjack.Logger{
			Filename:   path.Join(logDir, defaultLogFilename),
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     30, // Days
		}

		backendFile := logging.NewLogBackend(rotator, "", 0)
		backendFileFormatter := logging.NewBackendFormatter(backendFile, fileLogFormat)
		logging.SetBackend(backendStdoutFormatter, backendFileFormatter)
	} else {
		logging.SetBackend(backendStdoutFormatter)
	}
	logging.SetLevel(LogLevelMap[strings.ToLower(logLevel)], "")
}
