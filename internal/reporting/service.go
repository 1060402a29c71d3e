package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-dialer/internal/metrics"
)

// Notifier is what the dialer calls. Notify never blocks and never fails.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Publisher delivers an encoded notification to subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// RedisPublisher fans notifications out with PUBLISH.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher { return &RedisPublisher{rdb: rdb} }

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.rdb == nil {
		return errors.New("reporting: redis client not configured")
	}
	return p.rdb.Publish(ctx, channel, payload).Err()
}

const (
	DefaultChannel = "dialer:events"
	defaultBuffer  = 1024
	publishTimeout = 2 * time.Second
)

// Service queues notifications and publishes them from one background goroutine.
// When the queue is full the notification is dropped and counted.
type Service struct {
	pub     Publisher
	channel string
	clock   func() time.Time
	log     *slog.Logger
	metrics *metrics.Metrics

	queue  chan Notification
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewService(pub Publisher, channel string, buffer int, log *slog.Logger, m *metrics.Metrics) *Service {
	if channel == "" {
		channel = DefaultChannel
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pub:     pub,
		channel: channel,
		clock:   time.Now,
		log:     log,
		metrics: m,
		queue:   make(chan Notification, buffer),
		stopCh:  make(chan struct{}),
	}
}

func (s *Service) Notify(ctx context.Context, n Notification) {
	if n.At.IsZero() {
		n.At = s.clock().UTC()
	}
	select {
	case s.queue <- n:
	default:
		s.metrics.IncNotifyDropped()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop drains what is already queued and returns.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case n := <-s.queue:
			s.publish(ctx, n)
		case <-ctx.Done():
			return
		case <-s.stopCh:
			for {
				select {
				case n := <-s.queue:
					s.publish(context.Background(), n)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, n Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		s.log.Warn("encode notification failed", "type", n.Type, "err", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.pub.Publish(pubCtx, s.channel, payload); err != nil {
		s.metrics.IncNotifyDropped()
		s.log.Debug("publish notification failed", "type", n.Type, "err", err)
	}
}
