package ingest

import "errors"

// Sentinel kinds for ingestion errors.
var (
	// ErrSourceNotFound means the source could not be opened; nothing was
	// processed.
	ErrSourceNotFound = errors.New("source not found")
	// ErrMissingColumn means the header lacks a required column; nothing was
	// processed.
	ErrMissingColumn = errors.New("missing required column")
	// ErrRowRejected is wrapped by every RejectedRow reason.
	ErrRowRejected = errors.New("row rejected")
)
