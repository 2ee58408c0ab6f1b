package service

import "errors"

// Sentinel errors returned by the Service.
var (
	ErrNotStarted  = errors.New("service not started")
	ErrStart       = errors.New("service start failed")
	ErrEmptySource = errors.New("empty ingestion source")
	ErrSubmit      = errors.New("job submission failed")
	ErrSourceScope = errors.New("source outside ingest directory")
)
