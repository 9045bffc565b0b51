package quotagate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultSelectionTimeout = 5 * time.Second
	defaultReleaseTimeout   = 5 * time.Second
	maxErrorBody            = 64 << 10
)

// Router admits requests for one route: it picks a profile through the
// capacity store, dispatches to the profile's provider and settles the
// reservation exactly once when the dispatch ends.
type Router struct {
	route            string
	registry         *Registry
	providers        map[string]Provider
	policy           Policy
	store            CapacityStore
	meter            Meter
	health           *HealthTracker
	log              logrus.FieldLogger
	timeout          time.Duration
	selectionTimeout time.Duration
	releaseTimeout   time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithPolicy sets the selection policy.
func WithPolicy(p Policy) Option {
	return func(r *Router) { r.policy = p }
}

// WithCapacityStore sets the capacity store.
func WithCapacityStore(s CapacityStore) Option {
	return func(r *Router) { r.store = s }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(r *Router) { r.meter = m }
}

// WithHealthTracker sets the health tracker. Routers serving the same
// providers may share one tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(r *Router) { r.health = h }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Router) { r.log = l }
}

// WithRoute names the route served by the router.
func WithRoute(name string) Option {
	return func(r *Router) { r.route = name }
}

// WithTimeout bounds each provider dispatch. For streams the bound covers the
// time until upstream headers arrive. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithSelectionTimeout bounds the wait for a capacity decision.
func WithSelectionTimeout(d time.Duration) Option {
	return func(r *Router) { r.selectionTimeout = d }
}

// NewRouter creates a router over the given registry and provider adapters.
// Every provider in the registry that has profiles needs an adapter.
func NewRouter(reg *Registry, providers []Provider, opts ...Option) (*Router, error) {
	if reg == nil {
		return nil, fmt.Errorf("quotagate: registry is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("quotagate: at least one provider is required")
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
	}

	r := &Router{
		route:            "default",
		registry:         reg,
		providers:        provMap,
		selectionTimeout: defaultSelectionTimeout,
		releaseTimeout:   defaultReleaseTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.store == nil {
		return nil, fmt.Errorf("quotagate: capacity store is required")
	}
	if r.policy == nil {
		r.policy = defaultPolicy{}
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.health == nil {
		r.health = NewHealthTracker()
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	r.log = r.log.WithField("route", r.route)

	for _, set := range reg.Providers() {
		if len(set.Profiles) == 0 {
			continue
		}
		if _, ok := provMap[set.Name]; !ok {
			return nil, fmt.Errorf("quotagate: no adapter for provider %q", set.Name)
		}
	}

	return r, nil
}

// Route returns the route name.
func (r *Router) Route() string {
	return r.route
}

// Do selects a profile, dispatches req to it and returns the upstream answer.
//
// On success the caller owns Response.Body and must close it; for streams the
// reservation is released when the body is drained, fails, is closed or ctx
// ends. On error the reservation, if any, has already been released.
func (r *Router) Do(ctx context.Context, req GenerateRequest) (*Response, error) {
	requestID := uuid.NewString()

	decision, err := r.selectProfile(ctx, requestID)
	if err != nil {
		return nil, &RouterError{Err: err, Route: r.route, RequestID: requestID}
	}

	d := &dispatch{
		router:    r,
		decision:  decision,
		requestID: requestID,
		stream:    req.Stream,
		start:     time.Now(),
	}

	// The caller may have gone away while the store was deciding.
	if reason := CancelReason(ctx); reason != nil {
		d.settle(0, reason)
		return nil, d.fail(reason)
	}

	provider := r.providers[decision.Provider]
	sig := newDispatchSignal(ctx, r.timeout)
	preq := ProviderRequest{
		Credential:   decision.Profile.Credential,
		Messages:     req.Messages,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
	}

	var up *UpstreamResponse
	if req.Stream {
		up, err = provider.Stream(sig.ctx, preq)
	} else {
		up, err = provider.Complete(sig.ctx, preq)
	}
	if err != nil {
		if reason := sig.reason(); reason != nil {
			err = reason
		} else if !errors.Is(err, ErrProviderUnavailable) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		sig.done()
		d.settle(0, err)
		return nil, d.fail(err)
	}

	if !up.OK() {
		body, _ := io.ReadAll(io.LimitReader(up.Body, maxErrorBody))
		_ = up.Body.Close()
		var uerr error = &UpstreamError{
			Provider:   decision.Provider,
			ProfileID:  decision.Profile.ID,
			StatusCode: up.StatusCode,
			Body:       body,
		}
		if reason := sig.reason(); reason != nil {
			uerr = reason
		}
		sig.done()
		d.settle(up.StatusCode, uerr)
		return nil, d.fail(uerr)
	}

	if !req.Stream {
		body, rerr := io.ReadAll(up.Body)
		_ = up.Body.Close()
		reason := sig.reason()
		sig.done()
		switch {
		case reason != nil:
			rerr = reason
		case rerr != nil:
			rerr = fmt.Errorf("%w: %v", ErrProviderUnavailable, rerr)
		}
		d.settle(up.StatusCode, rerr)
		if rerr != nil {
			return nil, d.fail(rerr)
		}
		return &Response{
			StatusCode: up.StatusCode,
			Header:     up.Header,
			Body:       io.NopCloser(bytes.NewReader(body)),
			Routing:    d.routing(),
		}, nil
	}

	// Headers are in: from here on only the caller can cut the stream.
	if !sig.disarm() {
		_ = up.Body.Close()
		sig.done()
		d.settle(up.StatusCode, ErrTimeout)
		return nil, d.fail(ErrTimeout)
	}

	status := up.StatusCode
	body := newTrackedBody(sig.ctx, up.Body, func(err error) {
		sig.done()
		if err != nil && !IsCancellation(err) && !errors.Is(err, errConsumerClosed) {
			err = fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		d.settle(status, err)
	})
	return &Response{
		StatusCode: status,
		Header:     up.Header,
		Body:       body,
		Stream:     true,
		Routing:    d.routing(),
	}, nil
}

type selectResult struct {
	decision Decision
	ok       bool
	err      error
}

// selectProfile asks the store for a decision. The store call is detached
// from ctx so a reservation is never applied without the router knowing; a
// decision that arrives after the caller stopped waiting is released.
func (r *Router) selectProfile(ctx context.Context, requestID string) (Decision, error) {
	start := time.Now()
	emit := func(outcome SelectOutcome, d Decision, err error) {
		r.meter.OnSelect(SelectEvent{
			Route:     r.route,
			RequestID: requestID,
			Outcome:   outcome,
			Decision:  d,
			Duration:  time.Since(start),
			Error:     err,
		})
	}

	candidates := r.registry.Candidates(r.health.Available)
	if len(candidates) == 0 {
		emit(SelectExhausted, Decision{}, ErrCapacityExhausted)
		return Decision{}, ErrCapacityExhausted
	}

	ch := make(chan selectResult, 1)
	go func() {
		// Outlives the caller but not a store that never answers.
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.selectionTimeout+r.releaseTimeout)
		defer cancel()
		d, ok, err := r.store.Select(storeCtx, SelectRequest{
			Candidates: candidates,
			Policy:     r.policy,
		})
		ch <- selectResult{decision: d, ok: ok, err: err}
	}()

	timer := time.NewTimer(r.selectionTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		switch {
		case res.err != nil:
			err := res.err
			if !errors.Is(err, ErrStoreUnavailable) {
				err = fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			r.log.WithError(err).WithField("request_id", requestID).Error("capacity selection failed")
			emit(SelectError, Decision{}, err)
			return Decision{}, err
		case !res.ok:
			emit(SelectExhausted, Decision{}, ErrCapacityExhausted)
			return Decision{}, ErrCapacityExhausted
		}
		r.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"provider":    res.decision.Provider,
			"profile":     res.decision.Profile.ID,
			"window":      res.decision.RequestCountInWindow,
			"limit":       res.decision.QuotaLimit,
			"utilization": res.decision.Utilization(),
		}).Debug("profile selected")
		emit(SelectChosen, res.decision, nil)
		return res.decision, nil

	case <-timer.C:
		go r.reconcile(ch, requestID)
		err := fmt.Errorf("%w: selection timed out", ErrCapacityExhausted)
		emit(SelectTimeout, Decision{}, err)
		return Decision{}, err

	case <-ctx.Done():
		go r.reconcile(ch, requestID)
		err := CancelReason(ctx)
		emit(SelectError, Decision{}, err)
		return Decision{}, err
	}
}

// reconcile releases a decision nobody is waiting for anymore.
func (r *Router) reconcile(ch <-chan selectResult, requestID string) {
	res := <-ch
	if res.err != nil || !res.ok {
		return
	}
	r.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"profile":    res.decision.Profile.ID,
	}).Warn("releasing late capacity decision")
	r.release(res.decision, requestID)
}

func (r *Router) release(d Decision, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.releaseTimeout)
	defer cancel()

	err := r.store.Release(ctx, d.Reservation)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"provider":   d.Provider,
			"profile":    d.Profile.ID,
		}).Error("capacity release failed")
	}
	r.meter.OnRelease(ReleaseEvent{
		Route:     r.route,
		Provider:  d.Provider,
		ProfileID: d.Profile.ID,
		RequestID: requestID,
		Error:     err,
	})
}

// dispatch is one admitted request between selection and settlement.
type dispatch struct {
	router    *Router
	decision  Decision
	requestID string
	stream    bool
	start     time.Time
	once      sync.Once
}

// settle releases the reservation and records the outcome. Only the first
// call has any effect.
func (d *dispatch) settle(status int, err error) {
	d.once.Do(func() {
		r := d.router
		r.release(d.decision, d.requestID)

		switch {
		case err == nil:
			r.health.RecordSuccess(d.decision.Profile.ID)
		case countsAsFailure(err):
			r.health.RecordFailure(d.decision.Profile.ID)
		}

		duration := time.Since(d.start)
		r.meter.OnResult(ResultEvent{
			Route:      r.route,
			Provider:   d.decision.Provider,
			ProfileID:  d.decision.Profile.ID,
			RequestID:  d.requestID,
			Stream:     d.stream,
			StatusCode: status,
			Duration:   duration,
			Error:      err,
		})

		r.log.WithFields(logrus.Fields{
			"request_id": d.requestID,
			"provider":   d.decision.Provider,
			"profile":    d.decision.Profile.ID,
			"status":     status,
			"duration":   duration,
		}).WithError(err).Debug("dispatch settled")
	})
}

func (d *dispatch) fail(err error) error {
	return &RouterError{
		Err:       err,
		Route:     d.router.route,
		Provider:  d.decision.Provider,
		ProfileID: d.decision.Profile.ID,
		RequestID: d.requestID,
	}
}

func (d *dispatch) routing() RoutingInfo {
	return RoutingInfo{
		Route:       d.router.route,
		Provider:    d.decision.Provider,
		ProfileID:   d.decision.Profile.ID,
		RequestID:   d.requestID,
		Utilization: d.decision.Utilization(),
	}
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnSelect(SelectEvent)   {}
func (noopMeter) OnResult(ResultEvent)   {}
func (noopMeter) OnRelease(ReleaseEvent) {}
