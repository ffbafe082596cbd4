package coordinator

import (
	"context"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/util/worker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// GCResult is the outcome of one garbage collection pass.
type GCResult struct {
	Watermark         uint64 `json:"watermark"`
	VersionsCollected int    `json:"versions-collected"`
	FailedPartitions  int    `json:"failed-partitions"`
}

type gcHandler struct {
	c *Coordinator
}

func (h *gcHandler) Handle(t worker.Task) {
	switch t.(type) {
	case worker.TaskTick:
		ctx, cancel := context.WithTimeout(context.Background(), h.c.gcCfg.Interval.Duration)
		h.c.RunGC(ctx)
		cancel()
	default:
		log.Error("unsupported gc task", zap.Reflect("task", t))
	}
}

// Watermark returns the smallest snapshot timestamp any unfinished
// transaction may still read at, or the last allocated timestamp when there
// is none. No version a current or future snapshot needs lies below it.
func (c *Coordinator) Watermark() uint64 {
	// Begin registers under the write lock, so nothing can obtain a timestamp
	// between reading the allocator and scanning the table.
	c.mu.RLock()
	defer c.mu.RUnlock()
	watermark := c.tso.Current()
	for _, t := range c.txns {
		t.mu.Lock()
		if !t.state.IsTerminal() && t.id < watermark {
			watermark = t.id
		}
		t.mu.Unlock()
	}
	return watermark
}

// RunGC runs one garbage collection pass over every partition.
func (c *Coordinator) RunGC(ctx context.Context) GCResult {
	start := time.Now()
	result := GCResult{Watermark: c.Watermark()}
	for id, p := range c.partitions {
		n, err := p.GC(ctx, result.Watermark)
		if err != nil {
			result.FailedPartitions++
			log.Warn("gc failed on partition",
				zap.Int("partition", id),
				zap.Uint64("watermark", result.Watermark),
				zap.Error(err))
			continue
		}
		result.VersionsCollected += n
	}
	c.lastWatermark.Store(result.Watermark)
	gcWatermarkGauge.Set(float64(result.Watermark))
	gcCounter.WithLabelValues("run").Inc()
	gcCounter.WithLabelValues("collected").Add(float64(result.VersionsCollected))
	log.Debug("gc pass finished",
		zap.Uint64("watermark", result.Watermark),
		zap.Int("collected", result.VersionsCollected),
		zap.Int("failed", result.FailedPartitions),
		zap.Duration("cost", time.Since(start)))
	return result
}
