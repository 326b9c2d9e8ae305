package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Controller races several transports against each other. Every available
// transport listens at once; the first to accept a Newton becomes the active
// endpoint and every other endpoint is closed.
type Controller struct {
	transports []Transport
	opts       []EndpointOption

	mu        sync.Mutex
	endpoints []*Endpoint
	active    *Endpoint
	err       error
	lastErr   error
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	connected chan struct{}
	finished  chan struct{}
	wg        sync.WaitGroup
}

// NewController creates a controller for transports. opts are applied to
// every endpoint it creates.
func NewController(transports []Transport, opts ...EndpointOption) *Controller {
	logrus.WithFields(logrus.Fields{
		"function":   "NewController",
		"transports": len(transports),
	}).Debug("Creating endpoint controller")

	return &Controller{
		transports: transports,
		opts:       opts,
		connected:  make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

// StartListening starts every available transport listening and returns
// without waiting for a connection. Unavailable transports are skipped. It
// returns ErrNoTransport if none is available.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrCancelled
	}

	for _, t := range c.transports {
		if err := t.Available(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Controller.StartListening",
				"transport": t.Name(),
				"error":     err.Error(),
			}).Warn("Transport unavailable, skipping")
			continue
		}
		ep := NewEndpoint(t, c.opts...)
		ep.setFailureHook(c.endpointFailed)
		c.endpoints = append(c.endpoints, ep)
	}

	if len(c.endpoints) == 0 {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Controller.StartListening",
		}).Error("No transport available")
		return ErrNoTransport
	}

	raceCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	endpoints := append([]*Endpoint(nil), c.endpoints...)
	c.mu.Unlock()

	for _, ep := range endpoints {
		c.wg.Add(1)
		go c.race(raceCtx, ep)
	}
	go c.awaitRace()

	logrus.WithFields(logrus.Fields{
		"function":  "Controller.StartListening",
		"endpoints": len(endpoints),
	}).Info("Listening for a Newton")

	return nil
}

// race runs one endpoint through Listen and Accept.
func (c *Controller) race(ctx context.Context, ep *Endpoint) {
	defer c.wg.Done()

	if err := ep.Listen(ctx); err != nil {
		c.recordRaceError(err)
		ep.Close()
		return
	}
	if err := ep.Accept(ctx); err != nil {
		if ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Controller.race",
				"transport": ep.Name(),
				"error":     err.Error(),
			}).Warn("Transport failed while waiting for a peer")
			c.recordRaceError(err)
		}
		ep.Close()
		return
	}
	c.promote(ep)
}

func (c *Controller) recordRaceError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// promote makes ep the active endpoint and closes the others. A late
// winner is closed instead.
func (c *Controller) promote(ep *Endpoint) {
	c.mu.Lock()
	if c.active != nil || c.stopped {
		c.mu.Unlock()
		ep.Close()
		return
	}
	c.active = ep
	var losers []*Endpoint
	for _, other := range c.endpoints {
		if other != ep {
			losers = append(losers, other)
		}
	}
	cancel := c.cancel
	close(c.connected)
	c.mu.Unlock()

	cancel()
	for _, loser := range losers {
		loser.Close()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Controller.promote",
		"transport": ep.Name(),
		"closed":    len(losers),
	}).Info("Transport won the listen race")
}

// awaitRace records the outcome once every racer has finished.
func (c *Controller) awaitRace() {
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil && c.err == nil {
		switch {
		case c.stopped:
			c.err = ErrCancelled
		case c.lastErr != nil:
			c.err = fmt.Errorf("%w: %v", ErrNoTransport, c.lastErr)
		default:
			c.err = ErrCancelled
		}
	}
	close(c.finished)
}

// endpointFailed records the failure of the active endpoint.
func (c *Controller) endpointFailed(ep *Endpoint, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.active {
		return
	}
	c.err = err

	logrus.WithFields(logrus.Fields{
		"function":  "Controller.endpointFailed",
		"transport": ep.Name(),
		"error":     err.Error(),
	}).Warn("Active endpoint failed")
}

// Connected is closed when a transport wins the race.
func (c *Controller) Connected() <-chan struct{} {
	return c.connected
}

// Wait blocks until a transport wins the race, every transport has failed,
// or ctx is done.
func (c *Controller) Wait(ctx context.Context) (*Endpoint, error) {
	select {
	case <-c.connected:
		return c.Endpoint(), nil
	case <-c.finished:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.active != nil {
			return c.active, nil
		}
		return nil, c.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// Endpoint returns the active endpoint, or nil before a connection.
func (c *Controller) Endpoint() *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Endpoints returns every endpoint started by StartListening.
func (c *Controller) Endpoints() []*Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Endpoint(nil), c.endpoints...)
}

// IsActive reports whether a connected endpoint exists.
func (c *Controller) IsActive() bool {
	ep := c.Endpoint()
	return ep != nil && ep.State() == StateConnected
}

// Err returns the error that ended the race or the active connection.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SuppressTimeout forwards to the active endpoint.
func (c *Controller) SuppressTimeout(suppress bool) {
	if ep := c.Endpoint(); ep != nil {
		ep.SuppressTimeout(suppress)
	}
}

// Stop cancels the race and closes every endpoint, including the active one.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if !c.started {
		// No race will ever finish, so release Wait here.
		c.err = ErrCancelled
		close(c.finished)
	}
	cancel := c.cancel
	endpoints := append([]*Endpoint(nil), c.endpoints...)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ep := range endpoints {
		ep.Close()
	}
	c.wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Controller.Stop",
	}).Info("Endpoint controller stopped")
}
