// Package bus replicates room frames between relay instances over Redis
// pub/sub, so clients of the same room land on any instance and still see
// each other. A circuit breaker keeps a Redis outage from cascading into
// the rooms; replication degrades to single-instance mode instead.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/metrics"
)

// Envelope is the container for a frame moving between instances.
type Envelope struct {
	RoomID string `json:"roomId"`
	Origin string `json:"origin"` // publishing instance id, used to drop echoes
	Frame  []byte `json:"frame"`  // encoded wire frame, exactly as sent to sockets
}

// Service handles all interaction with the Redis cluster. A nil *Service is
// valid and behaves as single-instance mode.
type Service struct {
	client     *redis.Client
	cb         *gobreaker.CircuitBreaker
	instanceID string
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// InstanceID returns this instance's identity on the bus.
func (s *Service) InstanceID() string {
	if s == nil {
		return ""
	}
	return s.instanceID
}

// NewService connects to Redis and verifies the connection.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	instanceID := uuid.NewString()
	logging.Info(context.Background(), "Connected to Redis Pub/Sub",
		zap.String("addr", addr), zap.String("instanceId", instanceID))
	return &Service{
		client:     rdb,
		cb:         gobreaker.NewCircuitBreaker(st),
		instanceID: instanceID,
	}, nil
}

// channelFor maps a room id to its pub/sub channel.
func channelFor(roomID string) string {
	return fmt.Sprintf("epicenter:room:%s", roomID)
}

// Publish broadcasts a frame to all other instances serving this room.
// When the breaker is open the frame is dropped rather than failing the
// caller; local members already received it.
func (s *Service) Publish(ctx context.Context, roomID string, frame []byte) error {
	if s == nil || s.client == nil {
		return nil // Single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(Envelope{
			RoomID: roomID,
			Origin: s.instanceID,
			Frame:  frame,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channelFor(roomID), data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			metrics.BusPublished.WithLabelValues("dropped").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("roomId", roomID))
			return nil
		}
		metrics.BusPublished.WithLabelValues("error").Inc()
		logging.Error(ctx, "Redis publish failed", zap.String("roomId", roomID), zap.Error(err))
		return err
	}

	metrics.BusPublished.WithLabelValues("ok").Inc()
	return nil
}

// Subscribe listens for frames published by OTHER instances for this room
// and hands them to handler. It returns a function that stops the listener.
func (s *Service) Subscribe(ctx context.Context, roomID string, handler func(frame []byte)) (unsubscribe func()) {
	if s == nil || s.client == nil {
		return func() {} // Single-instance mode
	}

	ctx, cancel := context.WithCancel(ctx)
	channel := channelFor(roomID)
	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()
		logging.Debug(ctx, "Subscribed to Redis channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(context.Background(), "Redis subscription channel closed", zap.String("channel", channel))
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "Failed to unmarshal bus envelope", zap.Error(err))
					continue
				}
				if env.Origin == s.instanceID {
					continue // our own publish echoed back
				}
				handler(env.Frame)
			}
		}
	}()

	return cancel
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
