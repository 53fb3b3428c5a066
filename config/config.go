// Package config loads the node's command-line configuration, mirroring
// the teacher's go-flags-based Config/Parse/ActiveConfig pattern.
package config

import (
	"path/filepath"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/decentralized-identity/sidetree-sub007/logger"
)

const (
	defaultLogFilename    = "didnoded.log"
	defaultErrLogFilename = "didnoded_err.log"

	// DriverLevelDB selects the embedded LevelDB transaction store.
	DriverLevelDB = "leveldb"
	// DriverMySQL selects the SQL-backed (gorm/MySQL) transaction store.
	DriverMySQL = "mysql"
)

var activeConfig *Config

// Config holds every recognized option from spec.md §6 plus the
// transaction-store backend selection this expansion adds.
type Config struct {
	AppDir string `long:"appdir" description:"Directory to store data and logs"`
	LogDir string `long:"logdir" description:"Directory to log output"`

	ObservingIntervalInSeconds                int     `long:"observing-interval" description:"Seconds between observer ticks" default:"60"`
	MaxConcurrentDownloads                    int     `long:"max-concurrent-downloads" description:"Bounded CAS download concurrency" default:"20"`
	MaxAnchorFileSizeInBytes                  int     `long:"max-anchor-file-size" description:"Anchor file size cap in bytes" default:"1000000"`
	MaxMapFileSizeInBytes                     int     `long:"max-map-file-size" description:"Map file size cap in bytes" default:"1000000"`
	MaxBatchFileSizeInBytes                   int     `long:"max-batch-file-size" description:"Chunk file size cap in bytes" default:"10000000"`
	MaxOperationsPerBatch                     int     `long:"max-operations-per-batch" description:"Max operations the batch writer packs per write" default:"10000"`
	MaxNumberOfOperationsPerTransactionTime   int     `long:"max-ops-per-tx-time" description:"Rate limiter cap on operations accepted per block" default:"10000"`
	MaxNumberOfTransactionsPerTransactionTime int     `long:"max-txns-per-tx-time" description:"Transactions per block; recognized but not applied (the rate limiter caps operations only)" default:"1000"`
	HashAlgorithmInMultihashCode              int     `long:"hash-algorithm" description:"Multihash algorithm code" default:"18"`
	NormalizedFeeToPerOperationFeeMultiplier  float64 `long:"fee-multiplier" description:"Per-operation fee multiplier applied to the normalized fee" default:"1.0"`
	ValueTimeLockAmountMultiplier             float64 `long:"lock-amount-multiplier" description:"Value-time-lock amount multiplier" default:"1.0"`
	MinNumberOfOpsForValueTimeLock            int     `long:"min-ops-for-lock" description:"Minimum batch size before a value-time lock is required" default:"100"`

	TxStoreDriver string `long:"tx-store-driver" description:"Transaction store backend: leveldb or mysql" default:"leveldb"`
	LevelDBPath   string `long:"leveldb-path" description:"Path to the embedded LevelDB transaction store"`
	MySQLDSN      string `long:"mysql-dsn" description:"MySQL data source name for the SQL-backed transaction store"`

	BlockchainBaseURI string `long:"blockchain-uri" description:"Base URI of the blockchain REST service"`
	CASBaseURI        string `long:"cas-uri" description:"Base URI of the content-addressable store"`
	HTTPListen        string `long:"listen" description:"HTTP address the resolver listens on" default:"0.0.0.0:8080"`

	LogLevel string `long:"loglevel" description:"Log level: trace, debug, info, warn, error, critical, off" default:"info"`
}

// ActiveConfig returns the configuration parsed by the most recent call
// to Parse.
func ActiveConfig() *Config {
	return activeConfig
}

// Parse parses command-line arguments into a Config, resolves defaults
// that depend on other fields (log paths, store paths), and initializes
// the logging backend.
func Parse(defaultAppDir string) (*Config, error) {
	cfg := &Config{
		AppDir: defaultAppDir,
	}
	parser := flags.NewParser(cfg, flags.PrintErrors|flags.HelpFlag)
	if _, err := parser.Parse(); err != nil {
		return nil, errors.Wrap(err, "parsing command-line arguments")
	}

	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.AppDir, "logs")
	}
	if cfg.LevelDBPath == "" {
		cfg.LevelDBPath = filepath.Join(cfg.AppDir, "txstore")
	}
	if cfg.TxStoreDriver != DriverLevelDB && cfg.TxStoreDriver != DriverMySQL {
		return nil, errors.Errorf("unrecognized tx-store-driver %q", cfg.TxStoreDriver)
	}

	err := logger.InitLogRotators(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		filepath.Join(cfg.LogDir, defaultErrLogFilename),
	)
	if err != nil {
		return nil, errors.Wrap(err, "initializing log rotators")
	}
	logger.SetLogLevels(cfg.LogLevel)

	activeConfig = cfg
	return cfg, nil
}
