package assert

import "time"

// timeout is how long asserts that wait on channels wait before failing the
// test.
const timeout = 30 * time.Second
