package outbox

import (
	"testing"
	"time"
)

// waitFor polls cond until it returns true or a short deadline passes,
// used for assertions against the async optimistic-publish path.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before deadline")
	}
}
