package reconciler

import "errors"

// ErrScanInProgress is returned when a scan is requested while a previous
// run of the same job is still in flight. Each job type has at most one
// in-flight run at a time.
var ErrScanInProgress = errors.New("scan already in progress")
