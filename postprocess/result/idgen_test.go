package result

import (
	"sync"
	"testing"
)

func TestIDGenerator(t *testing.T) {

	gen := NewIDGenerator()

	if got := gen.GetNext(); got != 1 {
		t.Errorf("Expected first ID of 1, but got %d", got)
	}

	if got := gen.GetNext(); got != 2 {
		t.Errorf("Expected second ID of 2, but got %d", got)
	}
}

func TestIDGeneratorConcurrent(t *testing.T) {

	gen := NewIDGenerator()

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	ids := make(chan int64, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := 0; i < perWorker; i++ {
				ids <- gen.GetNext()
			}
		}()
	}

	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)

	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate ID %d issued", id)
		}

		seen[id] = true
	}

	if len(seen) != workers*perWorker {
		t.Errorf("Expected %d unique IDs, but got %d", workers*perWorker, len(seen))
	}
}
