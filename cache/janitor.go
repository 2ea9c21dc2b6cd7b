package cache

import (
	"github.com/dailyyoga/httpq/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultJanitorSpec sweeps every five minutes. The spec uses the six-field
// cron format with a leading seconds field.
const DefaultJanitorSpec = "0 */5 * * * *"

// Janitor periodically removes hard-expired entries from a DiskCache and
// logs usage, keeping the directory from accumulating dead files between
// prune passes.
type Janitor struct {
	logger logger.Logger
	cache  *DiskCache
	cron   *cron.Cron
}

// NewJanitor creates a janitor sweeping c on the given cron spec.
// An empty spec selects DefaultJanitorSpec. Start must be called to begin
// sweeping.
func NewJanitor(log logger.Logger, c *DiskCache, spec string) (*Janitor, error) {
	if spec == "" {
		spec = DefaultJanitorSpec
	}

	j := &Janitor{
		logger: log,
		cache:  c,
		cron:   cron.New(cron.WithSeconds()),
	}
	if _, err := j.cron.AddFunc(spec, j.sweep); err != nil {
		return nil, ErrBadJanitorSpec(spec, err)
	}
	return j, nil
}

// Start begins the sweep schedule
func (j *Janitor) Start() {
	j.cron.Start()
}

// Close stops the schedule and waits for a running sweep to complete
func (j *Janitor) Close() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// sweep removes expired entries and logs the resulting usage
func (j *Janitor) sweep() {
	removed, err := j.cache.SweepExpired()
	if err != nil {
		j.logger.Error("cache sweep failed", zap.Error(err))
		return
	}

	entries, bytes := j.cache.Stats()
	j.logger.Info("cache sweep complete",
		zap.Int("removed", removed),
		zap.Int("entries", entries),
		zap.Int64("bytes", bytes),
	)
}
