package activity

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhq/vigil/internal/events"
)

func codingEvent(id string) *events.Event {
	return &events.Event{
		ID:        id,
		Type:      events.TypeCoding,
		Timestamp: time.Now(),
		Coding:    &events.CodingPayload{Language: "go"},
	}
}

func TestLog_AppendAndRecent(t *testing.T) {
	log := NewLog(5)

	for i := 1; i <= 3; i++ {
		log.Append(codingEvent(fmt.Sprintf("evt_%d", i)))
	}

	recent := log.Recent(10)
	require.Len(t, recent, 3)
	// Most recent first
	assert.Equal(t, "evt_3", recent[0].ID)
	assert.Equal(t, "evt_2", recent[1].ID)
	assert.Equal(t, "evt_1", recent[2].ID)
}

func TestLog_EvictsOldestAtCapacity(t *testing.T) {
	log := NewLog(3)

	for i := 1; i <= 5; i++ {
		log.Append(codingEvent(fmt.Sprintf("evt_%d", i)))
	}

	assert.Equal(t, 3, log.Len())

	recent := log.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "evt_5", recent[0].ID)
	assert.Equal(t, "evt_4", recent[1].ID)
	assert.Equal(t, "evt_3", recent[2].ID)
}

func TestLog_RecentLimit(t *testing.T) {
	log := NewLog(10)
	for i := 1; i <= 6; i++ {
		log.Append(codingEvent(fmt.Sprintf("evt_%d", i)))
	}

	two := log.Recent(2)
	require.Len(t, two, 2)
	assert.Equal(t, "evt_6", two[0].ID)

	// n <= 0 returns everything retained
	all := log.Recent(0)
	assert.Len(t, all, 6)
}

func TestLog_Empty(t *testing.T) {
	log := NewLog(5)
	assert.Empty(t, log.Recent(10))
	assert.Equal(t, 0, log.Len())
}

func TestLog_DefaultCapacity(t *testing.T) {
	log := NewLog(0)
	assert.Equal(t, DefaultCapacity, log.Capacity())
}

func TestLog_ConcurrentAppendAndRead(t *testing.T) {
	log := NewLog(50)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				log.Append(codingEvent(fmt.Sprintf("evt_%d", i)))
			}
		}
	}()

	// Concurrent reads must not race or observe a broken snapshot.
	for i := 0; i < 100; i++ {
		recent := log.Recent(10)
		if len(recent) > 10 {
			t.Fatalf("Recent(10) returned %d entries", len(recent))
		}
		for _, ev := range recent {
			if ev == nil {
				t.Fatal("Recent returned nil entry")
			}
		}
	}

	close(stop)
	wg.Wait()
}
