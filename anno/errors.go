package anno

import (
	"errors"
	"fmt"
	"time"

	"github.com/InsulaLabs/annosync/client"
	"github.com/InsulaLabs/annosync/internal/async"
	"github.com/InsulaLabs/annosync/pkg/models"
)

var (
	ErrClientMissing       = errors.New("client cannot be nil")
	ErrSourceNotComparable = errors.New("event source must be comparable")
	ErrPoolClosed          = async.ErrPoolClosed
)

// StepError reports how far a multi-step flow got before failing. Steps that
// completed are not undone.
type StepError struct {
	Step         string
	Index        int
	Annotation   models.Annotation
	Associations []models.Association
	Err          error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, async.ErrTimeout) {
		return &client.TimeoutError{Op: "await", Err: err}
	}
	return err
}

// Await waits up to timeout for f. An elapsed bound is reported as a
// *client.TimeoutError; the operation itself keeps running.
func Await[T any](f *async.Future[T], timeout time.Duration) (T, error) {
	v, err := f.Get(timeout)
	if errors.Is(err, async.ErrTimeout) {
		return v, &client.TimeoutError{Op: "await", After: timeout, Err: err}
	}
	return v, translateError(err)
}
