package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingRequest_WaitingCompletesOnce(t *testing.T) {
	pr := newWaitingPending(1, "s-1", "Runtime.evaluate", nil)
	boom := errors.New("boom")

	pr.complete(pendingResult{err: boom})
	// The channel holds one buffered result, so complete returns even though
	// no reader is waiting yet. Callers invoke complete once per entry; a
	// second call before the result is read would block on the full channel.
	res := <-pr.done
	assert.Equal(t, boom, res.err)
}

func TestPendingRequest_DiagnosticCompleteIsNoOp(t *testing.T) {
	pr := newDiagnosticPending(2, "s-1", "DOM.querySelector", nil)
	assert.Nil(t, pr.done)
	pr.complete(pendingResult{err: errors.New("ignored")})
}
