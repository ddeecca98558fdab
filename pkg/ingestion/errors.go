package ingestion

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

var (
	ErrAlreadyRunning  = httperror.NewHTTPError(http.StatusBadRequest, "ingestion is already running")
	ErrNotRunning      = httperror.NewHTTPError(http.StatusBadRequest, "no ingestion is running")
	ErrNothingToResume = httperror.NewHTTPError(http.StatusBadRequest, "no stopped or failed batch to resume")
	ErrNoFiles         = httperror.NewHTTPError(http.StatusBadRequest, "at least one file is required")
)

// InterruptedByRestart is the error text recovery writes on batches a crashed process left running.
const InterruptedByRestart = "interrupted by restart"
