package roddriver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/driver/drivertest"
)

func newTestDriver(t *testing.T) driver.Driver {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser tests in short mode")
	}
	if !Available() {
		t.Skip("chromium not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	d, err := New(ctx)
	if err != nil {
		t.Skip("could not launch chromium:", err)
	}
	return d
}

func TestDriverContract(t *testing.T) {
	drivertest.Run(t, newTestDriver)
}

func TestErrorReason(t *testing.T) {
	assert.Equal(t, "Failed", string(errorReason("")))
	assert.Equal(t, "Failed", string(errorReason("bogus")))
	assert.Equal(t, "ConnectionRefused", string(errorReason("connectionrefused")))
	assert.Equal(t, "TimedOut", string(errorReason("TimedOut")))
}
