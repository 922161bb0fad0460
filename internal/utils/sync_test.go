package utils_test

import (
	"sync"
	"testing"

	"github.com/levelzero/usm/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestOptionalMutexSerializes(t *testing.T) {
	mutex := utils.OptionalRWMutex{UseMutex: true}
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	mutex.RLock()
	defer mutex.RUnlock()
	require.Equal(t, 8000, counter)
}

func TestOptionalMutexDisabled(t *testing.T) {
	mutex := utils.OptionalMutex{}
	mutex.Lock()
	// A disabled mutex does not block re-entry
	mutex.Lock()
	mutex.Unlock()
	mutex.Unlock()
}
