package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

func TestInMemoryRepository_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewInMemoryRepository()
	})
}

func TestInMemoryRepository_ReadsReturnCopies(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

	e, err := repo.GetEpoch(ctx, "e1")
	require.NoError(t, err)
	e.WeightPolicy.Weights["pr_merged"] = 1
	e.Status = models.EpochClosed

	again, err := repo.GetEpoch(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), again.WeightPolicy.Weights["pr_merged"])
	assert.True(t, again.IsOpen())
}

func TestInMemoryRepository_ConcurrentTransactionsSerialise(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.InsertEpoch(ctx, testEpoch("s1", "e1", periodStart, periodEnd)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithTx(ctx, func(tx Tx) error {
				e, err := tx.LockEpoch(ctx, "e1")
				if err != nil {
					return err
				}
				if !e.IsOpen() {
					return nil
				}
				mu.Lock()
				winners++
				mu.Unlock()
				return tx.MarkEpochClosed(ctx, "e1", 10, periodEnd)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestInMemoryRepository_CanceledContextDiscardsWork(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())

	err := repo.WithTx(ctx, func(tx Tx) error {
		_, err := tx.InsertFact(ctx, testFact("s1", "f1", periodStart))
		cancel()
		return err
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = repo.GetFact(context.Background(), "s1", "f1")
	assert.ErrorIs(t, err, models.ErrFactNotFound)
}
