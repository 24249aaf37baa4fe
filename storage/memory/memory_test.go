package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/jmcleod/nodedash/storage"
	"github.com/jmcleod/nodedash/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepository_ConcurrentRegistration(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		taken int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.CreateUser(ctx, storage.NewUser{Username: "same", PasswordHash: fmt.Sprint(i)})
			if err == storage.ErrUsernameTaken {
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if taken != 19 {
		t.Fatalf("expected exactly one winner, got %d losers", taken)
	}
}
