package wallet

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryService_Deduct(t *testing.T) {
	owner := Owner{Type: "user", ID: "42"}
	svc := NewMemoryService()
	svc.Seed(owner, decimal.NewFromInt(100))

	require.NoError(t, svc.Deduct(owner, decimal.NewFromInt(60), "payment"))
	bal, err := svc.Balance(owner)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(40)))

	t.Run("insufficient funds leaves balance untouched", func(t *testing.T) {
		err := svc.Deduct(owner, decimal.NewFromInt(41), "too much")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		bal, _ := svc.Balance(owner)
		assert.True(t, bal.Equal(decimal.NewFromInt(40)))
	})

	t.Run("unknown owner", func(t *testing.T) {
		err := svc.Deduct(Owner{Type: "user", ID: "nope"}, decimal.NewFromInt(1), "x")
		assert.ErrorIs(t, err, ErrUnknownOwner)
	})
}

func TestMemoryService_AddFunds(t *testing.T) {
	owner := Owner{Type: "user", ID: "7"}
	svc := NewMemoryService()

	// AddFunds creates the wallet on first credit.
	require.NoError(t, svc.AddFunds(owner, decimal.NewFromFloat(12.50), "refund"))
	bal, err := svc.Balance(owner)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromFloat(12.50)))
}

func TestMemoryService_ConcurrentDeductions(t *testing.T) {
	owner := Owner{Type: "user", ID: "c"}
	svc := NewMemoryService()
	svc.Seed(owner, decimal.NewFromInt(10))

	var wg sync.WaitGroup
	okCount := make(chan struct{}, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Deduct(owner, decimal.NewFromInt(1), "race") == nil {
				okCount <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(okCount)

	succeeded := 0
	for range okCount {
		succeeded++
	}
	assert.Equal(t, 10, succeeded) // never over-deducts
	bal, _ := svc.Balance(owner)
	assert.True(t, bal.IsZero())
}
