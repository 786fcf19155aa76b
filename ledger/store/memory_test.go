package store_test

import (
	"testing"

	"github.com/warp/points-redemption/ledger"
	"github.com/warp/points-redemption/ledger/store"
	"github.com/warp/points-redemption/ledger/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ledger.Store {
		return store.NewMemory()
	})
}
