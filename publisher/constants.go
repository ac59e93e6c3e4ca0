package publisher

import "time"

// Product-tuned values. Most can be overridden through Options.
const (
	// MaxRounds bounds the status rounds of one pin reconciliation.
	MaxRounds = 10

	// FallbackRound is the round after which one stalled CID is pushed
	// to the pinner as a raw DAG import.
	FallbackRound = 7

	// DAGImportTimeout bounds the export and import of one fallback DAG.
	DAGImportTimeout = time.Second * 130

	// MaxPollDelay caps the jittered delay between status rounds.
	MaxPollDelay = time.Second * 25

	// pollJitter is the random part of a status round delay.
	pollJitter = time.Second * 5

	// FolderBatchSize is the most link operations per directory patch.
	FolderBatchSize = 50

	// SmallCorpusThreshold is the entry count at or below which a
	// complete entry list always rebuilds the root from scratch.
	SmallCorpusThreshold = 10

	// RecentWindow is the number of most recent entries whose missing
	// count decides whether a refresh retries.
	RecentWindow = 50

	// FinalAttemptLimit is the limit of the last attempt of a refresh
	// that did not converge along the shrink schedule.
	FinalAttemptLimit = 10

	// EvictionBatchSize caps the owners purged per eviction run.
	EvictionBatchSize = 100

	// DefaultUsageThreshold is the usage ratio at which eviction starts.
	DefaultUsageThreshold = 0.9

	// InactiveAfter is how long an owner must be unseen before its name
	// is evicted in the first pass.
	InactiveAfter = time.Hour * 24 * 365

	// PinMaxAge and PinSizeFloor select old, large pins in the
	// secondary eviction pass.
	PinMaxAge    = time.Hour * 24 * 30
	PinSizeFloor = 100 << 20

	// AggregatePrefix names the pins of compaction aggregates.
	AggregatePrefix = "aggregate-"

	// AggregateMaxLinks is the size at which an aggregate is closed and
	// a new one started.
	AggregateMaxLinks = 5000

	// RecentSliceSize is the default number of most recent entries left
	// out of compaction.
	RecentSliceSize = 1000

	// DefaultCompactLimit is the default number of entries considered
	// per compaction pass.
	DefaultCompactLimit = 500

	// CompactRounds bounds the pin convergence of one compaction pass.
	CompactRounds = 5

	// DefaultConcurrency is the default number of concurrent refreshes.
	DefaultConcurrency = 5

	// DefaultRecordLifetime is the validity of signed name records.
	DefaultRecordLifetime = time.Hour * 48
)
