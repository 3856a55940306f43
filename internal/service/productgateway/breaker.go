package productgateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// ErrCircuitOpen возвращается без обращения к сервису, пока автомат разомкнут.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", domain.ErrUpstreamUnavailable)

// RetryConfig задаёт параметры повторов для идемпотентных запросов.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// delay возвращает паузу перед попыткой attempt+1.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffFactor)
		if c.MaxDelay > 0 && d > c.MaxDelay {
			return c.MaxDelay
		}
	}
	return d
}

// CircuitState описывает состояние автомата.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker размыкается после maxFailures подряд неудачных вызовов.
// Через resetTimeout пропускает один пробный вызов, его исход замыкает или снова размыкает автомат.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	clock        clock.Clock
	logger       *log.Entry

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	probing     bool
}

// NewCircuitBreaker создаёт автомат. nil clock и logger заменяются значениями по умолчанию.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, clk clock.Clock, logger *log.Entry) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clock:        clk,
		logger:       logger,
		state:        CircuitClosed,
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет fn, если автомат пропускает вызов.
// Неудачей считается только временная недоступность сервиса.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if err := cb.allow(operation); err != nil {
		return err
	}
	err := fn()
	cb.record(operation, errors.Is(err, domain.ErrUpstreamUnavailable))
	return err
}

func (cb *CircuitBreaker) allow(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.lastFailure) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.probing = true
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) record(operation string, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if failed {
		cb.failures++
		cb.lastFailure = cb.clock.Now()
		if cb.state == CircuitHalfOpen || (cb.state == CircuitClosed && cb.failures >= cb.maxFailures) {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
}
