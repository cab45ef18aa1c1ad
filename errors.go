package nanograph

import (
	"errors"

	"github.com/nanograph/nanograph/query"
)

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("nanograph: document not found")

	// ErrEmptyDocument is returned when an ingested document has no content.
	ErrEmptyDocument = errors.New("nanograph: empty document")

	// ErrExtractionEmpty is returned when extraction over a whole document
	// yields zero entities. The document is skipped, not failed.
	ErrExtractionEmpty = errors.New("nanograph: extraction yielded no entities")

	// ErrLLMRequestFailed is returned when an LLM request fails after retries.
	ErrLLMRequestFailed = errors.New("nanograph: LLM request failed")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("nanograph: embedding generation failed")

	// ErrVectorUpsertFailed is returned when the vector store rejects an
	// upsert. has_vector flags are left untouched in this case.
	ErrVectorUpsertFailed = errors.New("nanograph: vector upsert failed")

	// ErrBatchFailed is returned when a document batch could not be committed
	// after the transient-retry budget is exhausted.
	ErrBatchFailed = errors.New("nanograph: document batch commit failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("nanograph: invalid configuration")

	// ErrNaiveRAGDisabled is returned when a naive-mode query is issued but
	// the chunk vector store was not enabled at construction.
	ErrNaiveRAGDisabled = query.ErrNaiveRAGDisabled

	// ErrBackupNotFound is returned when a backup archive does not exist.
	ErrBackupNotFound = errors.New("nanograph: backup not found")

	// ErrChecksumMismatch reports a backup integrity failure. Restore logs
	// it and proceeds; callers may still inspect it.
	ErrChecksumMismatch = errors.New("nanograph: backup checksum mismatch")

	// ErrUnsupportedFormat is returned by the loader for unknown file types.
	ErrUnsupportedFormat = errors.New("nanograph: unsupported document format")
)
