package sim

import (
	"testing"

	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/driver/drivertest"
)

func TestDriverContract(t *testing.T) {
	drivertest.Run(t, func(t *testing.T) driver.Driver {
		return New()
	})
}
