package syncer

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/agritrace/offsync/internal/offline/conflict"
	"github.com/agritrace/offsync/internal/offline/model"
)

// ClassifyFunc decides whether a failed (non-conflict) call should be retried
// on a later pass. Returning false reports the operation as a terminal error
// immediately.
type ClassifyFunc func(err error) bool

// Config holds orchestrator settings.
type Config struct {
	// MaxRetries is the retry ceiling. An operation whose retry count reaches
	// it is removed and reported once in SyncResult.Errors.
	MaxRetries int

	// Strategy is applied to every conflict.
	Strategy model.Strategy

	// Custom resolves conflicts under the manual strategy. Nil escalates them.
	Custom conflict.CustomFunc

	// Merge controls field precedence for the merge strategy.
	Merge conflict.MergeOptions

	// Classify overrides retry classification. Nil uses RetryAll.
	Classify ClassifyFunc

	// Logger for sync events. If nil, a default logger writing to stderr is used.
	Logger *log.Logger

	// Now overrides the clock used for resolution timestamps and bookkeeping.
	Now func() time.Time
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Strategy:   model.StrategyClientWins,
		Merge:      conflict.DefaultMergeOptions(),
		Classify:   RetryAll,
	}
}

// RetryAll retries every non-conflict failure, including non-conflict 4xx
// rejections, until the retry ceiling.
func RetryAll(err error) bool {
	return err != nil && !model.IsConflict(err)
}

// terminalStatuses are rejections that will not succeed on resubmission.
var terminalStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusUnauthorized:        true,
	http.StatusForbidden:           true,
	http.StatusNotFound:            true,
	http.StatusMethodNotAllowed:    true,
	http.StatusGone:                true,
	http.StatusUnprocessableEntity: true,
}

// FailFast4xx retries network and server failures but reports malformed,
// unauthorized and missing-resource rejections as terminal on the first
// attempt.
func FailFast4xx(err error) bool {
	var se *model.StatusError
	if errors.As(err, &se) && terminalStatuses[se.Code] {
		return false
	}
	return RetryAll(err)
}
