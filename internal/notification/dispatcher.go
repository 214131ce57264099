package notification

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/leafwatch/leafwatch/internal/logger"
	"github.com/leafwatch/leafwatch/internal/observability/metrics"
)

const (
	defaultSinkTimeout = 10 * time.Second
	defaultSinkRate    = 1.0
	defaultSinkBurst   = 5
)

// DispatcherConfig tunes sink delivery
type DispatcherConfig struct {
	// SinkTimeout bounds each sink call
	SinkTimeout time.Duration
	// RatePerSecond and Burst limit sink deliveries across all users
	RatePerSecond float64
	Burst         int
}

// Dispatcher sends progress to the hub and final results to the hub and
// every sink. Delivery failures are logged, never returned.
type Dispatcher struct {
	hub     *Hub
	sinks   []Sink
	limiter *rate.Limiter
	timeout time.Duration
	logger  logger.Logger
	metrics *metrics.PredictionMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards sinks and closed
	closed bool
}

// NewDispatcher creates a dispatcher publishing to hub
func NewDispatcher(hub *Hub, cfg DispatcherConfig, log logger.Logger) *Dispatcher {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultSinkRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultSinkBurst
	}
	if log == nil {
		log = logger.NewSlogLogger(nil, logger.LogLevelInfo, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		hub:     hub,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		timeout: cfg.SinkTimeout,
		logger:  log.Module("notification").Module("dispatcher"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetMetrics enables sink error and drop counters
func (d *Dispatcher) SetMetrics(m *metrics.PredictionMetrics) {
	d.metrics = m
}

// AddSink registers a result sink
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Status publishes a progress update to the user's subscribers
func (d *Dispatcher) Status(userID uint, stage Stage, percent int, message string) {
	d.hub.Publish(userID, Event{
		Type:      EventStatus,
		Stage:     stage,
		Percent:   percent,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// Result publishes the final outcome to the hub, then hands it to each
// sink in the background
func (d *Dispatcher) Result(userID uint, stage Stage, message string, payload any) {
	event := Event{
		Type:      EventResult,
		Stage:     stage,
		Percent:   100,
		Message:   message,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	d.hub.Publish(userID, event)

	// Goroutines are started under the read lock so Close cannot begin
	// waiting while one is being added
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	for _, sink := range d.sinks {
		if !d.limiter.Allow() {
			d.logger.Warn("sink rate limit reached, result not delivered",
				logger.String("sink", sink.Name()),
				logger.Uint64("user_id", uint64(userID)))
			if d.metrics != nil {
				d.metrics.RecordNotificationDropped("sink_rate_limited")
			}
			continue
		}

		d.wg.Go(func() {
			d.deliver(sink, userID, event)
		})
	}
}

func (d *Dispatcher) deliver(sink Sink, userID uint, event Event) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	if err := sink.Send(ctx, userID, event); err != nil {
		d.logger.Warn("result delivery failed",
			logger.String("sink", sink.Name()),
			logger.Uint64("user_id", uint64(userID)),
			logger.Error(err))
		if d.metrics != nil {
			d.metrics.RecordSinkError(sink.Name())
		}
	}
}

// Close cancels pending sink calls and waits for them to return. Results
// published afterwards only reach the hub.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
