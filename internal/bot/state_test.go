package bot

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"crypto-trade-bot-go/internal/models"
)

func TestState_SnapshotIsDeepCopy(t *testing.T) {
	// Arrange
	state := NewState()
	state.Update(func(s *Snapshot) {
		s.Prices["BTC/USDT"] = 45000
		s.Balances["USDT"] = 1000
		s.Positions["BTC/USDT"] = 0.1
		s.LastSignals["BTC/USDT"] = SignalInfo{Signal: "buy", Confidence: 0.8}
		s.Portfolio = &models.PortfolioSnapshot{TotalValue: 5500}
		s.CycleCount = 3
	})

	// Act
	snapshot := state.Snapshot()
	snapshot.Prices["BTC/USDT"] = 0
	snapshot.Balances["USDT"] = 0
	snapshot.Positions["BTC/USDT"] = 0
	snapshot.LastSignals["BTC/USDT"] = SignalInfo{}
	snapshot.Portfolio.TotalValue = 0

	// Assert: mutating the copy never touches the shared state.
	fresh := state.Snapshot()
	assert.Equal(t, 45000.0, fresh.Prices["BTC/USDT"])
	assert.Equal(t, 1000.0, fresh.Balances["USDT"])
	assert.Equal(t, 0.1, fresh.Positions["BTC/USDT"])
	assert.Equal(t, 0.8, fresh.LastSignals["BTC/USDT"].Confidence)
	assert.Equal(t, 5500.0, fresh.Portfolio.TotalValue)
	assert.Equal(t, uint64(3), fresh.CycleCount)
}

func TestState_ConcurrentReaders(t *testing.T) {
	// Arrange
	state := NewState()
	done := make(chan struct{})

	// Act: one writer, many readers. The race detector flags any unguarded
	// access.
	go func() {
		for i := 0; i < 100; i++ {
			state.Update(func(s *Snapshot) {
				s.Prices["BTC/USDT"] = float64(i)
				s.CycleCount++
			})
		}
		close(done)
	}()
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				_ = state.Snapshot()
			}
		}()
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not finish")
	}

	// Assert
	assert.Equal(t, uint64(100), state.Snapshot().CycleCount)
}
