package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

const (
	defaultInterval       = 30 * time.Second
	defaultActiveIdle     = 1 * time.Minute
	defaultCheckoutWindow = 5 * time.Minute
	defaultAbandonedGrace = 1 * time.Minute
	defaultCallTimeout    = 5 * time.Second
	defaultBatchSize      = 500
)

var tracer = otel.Tracer("github.com/vladislavdragonenkov/marketplace/internal/service/reconcile")

var (
	// errSaveAfterRelease помечает сбой записи корзины, когда часть резервов уже снята.
	errSaveAfterRelease = errors.New("cart not saved after releasing reservations")
	errReleaseFailed    = errors.New("release failed")
)

// Locker сериализует работу с корзиной одного пользователя.
// Планировщик и сервис корзин должны делить одну реализацию.
type Locker interface {
	LockUser(userID string) (unlock func())
}

type noopLocker struct{}

func (noopLocker) LockUser(string) func() { return func() {} }

// SchedulerOptions задаёт параметры планировщика.
type SchedulerOptions struct {
	Logger         *log.Entry
	Clock          clock.Clock
	Metrics        *metrics.ReservationMetrics
	Locker         Locker
	Interval       time.Duration
	ActiveIdle     time.Duration
	CheckoutWindow time.Duration
	AbandonedGrace time.Duration
	CallTimeout    time.Duration
	BatchSize      int
}

// Option настраивает Scheduler.
type Option func(*SchedulerOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *SchedulerOptions) {
		opts.Logger = logger
	}
}

// WithClock подменяет часы.
func WithClock(clk clock.Clock) Option {
	return func(opts *SchedulerOptions) {
		opts.Clock = clk
	}
}

// WithMetrics включает метрики.
func WithMetrics(m *metrics.ReservationMetrics) Option {
	return func(opts *SchedulerOptions) {
		opts.Metrics = m
	}
}

// WithLocker задаёт блокировку пользователей, общую с сервисом корзин.
func WithLocker(locker Locker) Option {
	return func(opts *SchedulerOptions) {
		opts.Locker = locker
	}
}

// WithInterval задаёт период между проходами.
func WithInterval(d time.Duration) Option {
	return func(opts *SchedulerOptions) {
		opts.Interval = d
	}
}

// WithActiveIdle задаёт, сколько ACTIVE корзина может простаивать.
func WithActiveIdle(d time.Duration) Option {
	return func(opts *SchedulerOptions) {
		opts.ActiveIdle = d
	}
}

// WithCheckoutWindow задаёт окно оформления.
func WithCheckoutWindow(d time.Duration) Option {
	return func(opts *SchedulerOptions) {
		opts.CheckoutWindow = d
	}
}

// WithAbandonedGrace задаёт, сколько брошенная корзина хранится до удаления.
func WithAbandonedGrace(d time.Duration) Option {
	return func(opts *SchedulerOptions) {
		opts.AbandonedGrace = d
	}
}

// WithCallTimeout ограничивает один вызов реестра остатков.
func WithCallTimeout(d time.Duration) Option {
	return func(opts *SchedulerOptions) {
		opts.CallTimeout = d
	}
}

// WithBatchSize ограничивает число корзин одного статуса за проход.
func WithBatchSize(n int) Option {
	return func(opts *SchedulerOptions) {
		opts.BatchSize = n
	}
}

// SweepReport подводит итог одного прохода.
type SweepReport struct {
	// Abandoned считает корзины, у которых сняты все резервы.
	Abandoned int
	// Reverted считает корзины, вернувшиеся из CHECKOUT в ACTIVE.
	Reverted int
	// Purged считает удалённые брошенные корзины.
	Purged int
	// Failed считает корзины, которые не удалось обработать; их повторит следующий проход.
	Failed int
}

// Empty сообщает, что проход ничего не изменил.
func (r SweepReport) Empty() bool {
	return r == SweepReport{}
}

// Scheduler снимает резервы простаивающих корзин, возвращает из CHECKOUT
// корзины с прошедшим окном и удаляет брошенные. Решения принимаются только
// по сохранённым меткам времени, поэтому перезапуск процесса ничего не теряет.
type Scheduler struct {
	carts          domain.CartRepository
	gateway        domain.ProductGateway
	logger         *log.Entry
	clock          clock.Clock
	metrics        *metrics.ReservationMetrics
	locker         Locker
	interval       time.Duration
	activeIdle     time.Duration
	checkoutWindow time.Duration
	abandonedGrace time.Duration
	callTimeout    time.Duration
	batchSize      int
}

// NewScheduler создаёт планировщик корзин.
func NewScheduler(carts domain.CartRepository, gateway domain.ProductGateway, options ...Option) *Scheduler {
	opts := SchedulerOptions{
		Interval:       defaultInterval,
		ActiveIdle:     defaultActiveIdle,
		CheckoutWindow: defaultCheckoutWindow,
		AbandonedGrace: defaultAbandonedGrace,
		CallTimeout:    defaultCallTimeout,
		BatchSize:      defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "cart-reconciler")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Locker == nil {
		opts.Locker = noopLocker{}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.ActiveIdle <= 0 {
		opts.ActiveIdle = defaultActiveIdle
	}
	if opts.CheckoutWindow <= 0 {
		opts.CheckoutWindow = defaultCheckoutWindow
	}
	if opts.AbandonedGrace <= 0 {
		opts.AbandonedGrace = defaultAbandonedGrace
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Scheduler{
		carts:          carts,
		gateway:        gateway,
		logger:         opts.Logger,
		clock:          opts.Clock,
		metrics:        opts.Metrics,
		locker:         opts.Locker,
		interval:       opts.Interval,
		activeIdle:     opts.ActiveIdle,
		checkoutWindow: opts.CheckoutWindow,
		abandonedGrace: opts.AbandonedGrace,
		callTimeout:    opts.CallTimeout,
		batchSize:      opts.BatchSize,
	}
}

// Run выполняет проходы до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) {
	if s.carts == nil || s.gateway == nil {
		s.logger.Warn("cart reconciler is disabled: repository or gateway is nil")
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep выполняет три прохода: простаивающие ACTIVE, просроченные CHECKOUT и брошенные.
// Сбой на одной корзине не останавливает проход.
func (s *Scheduler) Sweep(ctx context.Context) SweepReport {
	ctx, span := tracer.Start(ctx, "reconcile.Sweep")
	defer span.End()

	started := time.Now()
	now := s.clock.Now()
	var report SweepReport

	s.sweepStatus(ctx, domain.CartStatusActive, now.Add(-s.activeIdle), &report, func(cart domain.Cart) error {
		return s.abandon(ctx, cart, now, &report)
	})
	s.sweepStatus(ctx, domain.CartStatusCheckout, now.Add(-s.checkoutWindow), &report, func(cart domain.Cart) error {
		if cart.CheckoutExpired(now) {
			return s.abandon(ctx, cart, now, &report)
		}
		cart.Activate(now)
		if _, err := s.carts.Save(ctx, cart); err != nil {
			return err
		}
		report.Reverted++
		return nil
	})
	s.sweepStatus(ctx, domain.CartStatusAbandoned, now.Add(-s.abandonedGrace), &report, func(cart domain.Cart) error {
		if err := s.carts.Delete(ctx, cart.ID); err != nil && !errors.Is(err, domain.ErrCartNotFound) {
			return err
		}
		report.Purged++
		return nil
	})

	span.SetAttributes(
		attribute.Int("sweep.abandoned", report.Abandoned),
		attribute.Int("sweep.reverted", report.Reverted),
		attribute.Int("sweep.purged", report.Purged),
		attribute.Int("sweep.failed", report.Failed),
	)
	if report.Failed > 0 {
		span.SetStatus(codes.Error, "some carts failed")
	}
	s.metrics.RecordSweep(report.Abandoned, report.Reverted, report.Purged, report.Failed, time.Since(started))
	if !report.Empty() {
		s.logger.WithFields(log.Fields{
			"abandoned": report.Abandoned,
			"reverted":  report.Reverted,
			"purged":    report.Purged,
			"failed":    report.Failed,
		}).Info("cart sweep finished")
	}
	return report
}

// sweepStatus обрабатывает корзины статуса, не обновлявшиеся с cutoff.
// Каждая корзина перечитывается под блокировкой пользователя: если за это время
// она сменила статус или была изменена, её пропускают.
func (s *Scheduler) sweepStatus(ctx context.Context, status domain.CartStatus, cutoff time.Time, report *SweepReport, fn func(domain.Cart) error) {
	if ctx.Err() != nil {
		return
	}
	candidates, err := s.carts.ListByStatus(ctx, status, cutoff, s.batchSize)
	if err != nil {
		s.logger.WithError(err).WithField("status", status).Warn("failed to list carts for sweep")
		report.Failed++
		return
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return
		}
		err := s.withLockedCart(ctx, candidate, status, cutoff, fn)
		switch {
		case err == nil:
		case concurrentChange(err):
			s.logger.WithField("cart_id", candidate.ID).Debug("cart changed concurrently, skipped")
		default:
			report.Failed++
			s.logger.WithError(err).WithFields(log.Fields{
				"cart_id": candidate.ID,
				"user_id": candidate.UserID,
				"status":  status,
			}).Warn("failed to reconcile cart")
		}
	}
}

// concurrentChange отличает безвредный конфликт версий, когда проход ещё ничего
// не снимал, от конфликта после снятия резервов или рядом с ошибкой снятия.
func concurrentChange(err error) bool {
	return domain.IsVersionConflict(err) &&
		!errors.Is(err, errSaveAfterRelease) &&
		!errors.Is(err, errReleaseFailed)
}

func (s *Scheduler) withLockedCart(ctx context.Context, candidate domain.Cart, status domain.CartStatus, cutoff time.Time, fn func(domain.Cart) error) error {
	unlock := s.locker.LockUser(candidate.UserID)
	defer unlock()

	cart, err := s.carts.Get(ctx, candidate.ID)
	if errors.Is(err, domain.ErrCartNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cart.Status != status || !cart.UpdateTime.Before(cutoff) {
		return nil
	}
	if cart.Leased(s.clock.Now()) {
		s.logger.WithField("cart_id", cart.ID).Debug("cart is leased by another sweep, skipped")
		return nil
	}
	return fn(cart)
}

// abandon закрепляет корзину за собой и снимает резервы всех позиций. Закрепление
// сохраняется с проверкой версии до первого вызова реестра, поэтому параллельный
// проход на другом экземпляре получает конфликт и не снимает те же резервы повторно.
// При полном успехе корзина становится ABANDONED; при частичном сохраняются только
// неснятые позиции, а прежний UpdateTime оставляет корзину в следующем проходе.
func (s *Scheduler) abandon(ctx context.Context, cart domain.Cart, now time.Time, report *SweepReport) error {
	cart.Lease(s.clock.Now().Add(s.leaseFor(cart)))
	claimed, err := s.carts.Save(ctx, cart)
	if err != nil {
		return err
	}

	remaining := make([]domain.CartLineItem, 0, len(claimed.Items))
	var errs []error
	for _, item := range claimed.Items {
		if err := s.release(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("%w %s: %w", errReleaseFailed, item.ProductID, err))
			remaining = append(remaining, item)
		}
	}

	claimed.EndLease()
	if len(errs) == 0 {
		claimed.Abandon(now)
		if _, err := s.carts.Save(ctx, claimed); err != nil {
			return fmt.Errorf("%w: %w", errSaveAfterRelease, err)
		}
		report.Abandoned++
		return nil
	}

	released := len(remaining) < len(claimed.Items)
	claimed.Items = remaining
	claimed.Recalculate()
	if _, err := s.carts.Save(ctx, claimed); err != nil {
		if released {
			err = fmt.Errorf("%w: %w", errSaveAfterRelease, err)
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// leaseFor оценивает время на снятие резервов: по таймауту на каждую позицию и один запасной.
func (s *Scheduler) leaseFor(cart domain.Cart) time.Duration {
	return s.callTimeout * time.Duration(len(cart.Items)+1)
}

// release снимает резерв одной позиции с ограничением по времени.
func (s *Scheduler) release(ctx context.Context, item domain.CartLineItem) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	err := s.gateway.AdjustQuantity(callCtx, item.ProductID, item.Quantity)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
