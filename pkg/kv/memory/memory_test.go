package memory

import (
	"testing"

	"github.com/deliverybot/deploybot/pkg/kv"
	"github.com/deliverybot/deploybot/pkg/kv/kvtest"
)

func TestStore(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return New()
	})
}
