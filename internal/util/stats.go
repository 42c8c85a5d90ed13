package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide signaling/connection counter.
var Stats = &stats{}

type stats struct {
	ConnsOpened atomic.Int64 // cumulative peer connections created since process start
	ConnsClosed atomic.Int64 // cumulative peer connections closed since process start
	SignalsSent atomic.Int64 // cumulative signaling messages published
	SignalsRecv atomic.Int64 // cumulative signaling messages consumed
}

func (s *stats) AddConn()    { s.ConnsOpened.Add(1) }
func (s *stats) RemoveConn() { s.ConnsClosed.Add(1) }
func (s *stats) AddSent()    { s.SignalsSent.Add(1) }
func (s *stats) AddRecv()    { s.SignalsRecv.Add(1) }

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevOpened, prevClosed, prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.ConnsOpened.Load()
				closed := Stats.ConnsClosed.Load()
				sent := Stats.SignalsSent.Load()
				recv := Stats.SignalsRecv.Load()

				up := opened - prevOpened
				down := closed - prevClosed
				out := sent - prevSent
				in := recv - prevRecv

				if up > 0 || down > 0 || out > 0 || in > 0 {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"Signals: %3d→ %3d← | Conn: %2d↑ %2d↓", out, in, up, down))
				}

				prevOpened = opened
				prevClosed = closed
				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}
