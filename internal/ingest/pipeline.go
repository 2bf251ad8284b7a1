// Package ingest moves lines from transport adapters to the message router
// through bounded per-shard queues.
package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/transport"
	"go.uber.org/zap"
)

const (
	DefaultShards    = 4
	DefaultQueueSize = 1024
)

var (
	// ErrPipelineClosed indicates a Submit after Close.
	ErrPipelineClosed = errors.New("ingest: pipeline closed")
	errMissingRouter  = errors.New("ingest: router is required")
)

// Router routes one sentence.
type Router interface {
	Route(ctx context.Context, sentence tracking.Sentence) (tracking.Outcome, error)
}

type Config struct {
	Router    Router
	Shards    int
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Pipeline shards sentences by source so that each source is routed in
// order by exactly one worker.
type Pipeline struct {
	router  Router
	queues  []chan tracking.Sentence
	metrics *metrics.Metrics
	logger  *zap.Logger

	lifecycleMu sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Router == nil {
		return nil, errMissingRouter
	}
	shards := cfg.Shards
	if shards <= 0 {
		shards = DefaultShards
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pipeline := &Pipeline{
		router:  cfg.Router,
		queues:  make([]chan tracking.Sentence, shards),
		metrics: cfg.Metrics,
		logger:  logger,
	}
	for index := range pipeline.queues {
		pipeline.queues[index] = make(chan tracking.Sentence, queueSize)
		pipeline.wg.Add(1)
		go pipeline.worker(index)
	}
	return pipeline, nil
}

// Submit enqueues a line for sourceID. It blocks while the shard queue is
// full and gives up once ctx is done.
func (p *Pipeline) Submit(ctx context.Context, sourceID string, line transport.Line) error {
	p.lifecycleMu.RLock()
	defer p.lifecycleMu.RUnlock()
	if p.closed {
		return ErrPipelineClosed
	}

	shard := p.shardFor(sourceID)
	sentence := tracking.Sentence{SourceID: sourceID, Raw: line.Text, LoggedAt: line.LoggedAt}
	select {
	case p.queues[shard] <- sentence:
		p.metrics.SetQueueDepth(strconv.Itoa(shard), len(p.queues[shard]))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting lines and waits until every queued sentence is routed.
func (p *Pipeline) Close() {
	p.lifecycleMu.Lock()
	if p.closed {
		p.lifecycleMu.Unlock()
		return
	}
	p.closed = true
	for _, queue := range p.queues {
		close(queue)
	}
	p.lifecycleMu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) shardFor(sourceID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(sourceID))
	return int(hasher.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) worker(shard int) {
	defer p.wg.Done()
	label := strconv.Itoa(shard)
	ctx := context.Background()
	for sentence := range p.queues[shard] {
		start := time.Now()
		outcome, err := p.router.Route(ctx, sentence)
		p.metrics.ObserveRoute(outcome.String(), time.Since(start))
		p.metrics.SetQueueDepth(label, len(p.queues[shard]))
		if err != nil {
			p.logger.Error("sentence routing failed",
				zap.String("source_id", sentence.SourceID),
				zap.Int("shard", shard),
				zap.Error(err))
		}
	}
}
