// Package approval decides whether a job may execute.
package approval

import (
	"errors"
	"fmt"

	"github.com/3leaps/opswatch/pkg/jobspec"
)

// ErrNotApproved is returned by Check for write jobs lacking sign-off.
var ErrNotApproved = errors.New("job not approved")

// Granted reports whether job may run. Non-write jobs are always approved.
// A write job needs an approval block with granted=true unless the block
// sets required=false.
func Granted(job *jobspec.Job) bool {
	if job.Kind != jobspec.KindOneShotWrite {
		return true
	}
	if job.Approval == nil {
		return false
	}
	if job.Approval.Required != nil && !*job.Approval.Required {
		return true
	}
	return job.Approval.Granted
}

// Check is Granted as an error.
func Check(job *jobspec.Job) error {
	if Granted(job) {
		return nil
	}
	return fmt.Errorf("%w: %s requires approval.granted=true", ErrNotApproved, job.ID)
}
