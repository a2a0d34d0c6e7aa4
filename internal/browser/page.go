package browser

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// ErrClosed is returned by operations on a released session.
var ErrClosed = errors.New("browser session closed")

// PageSession is the unit.Session backed by one rod page.
type PageSession struct {
	id         string
	page       *rod.Page
	navTimeout time.Duration
	done       atomic.Bool
}

func (s *PageSession) ID() string { return s.id }

// Page exposes the underlying rod page for units that need more than the
// session interface offers.
func (s *PageSession) Page() *rod.Page { return s.page }

func (s *PageSession) close()       { s.done.Store(true) }
func (s *PageSession) closed() bool { return s.done.Load() }

func (s *PageSession) ready(ctx context.Context) (*rod.Page, error) {
	if s.closed() {
		return nil, fmt.Errorf("session %s: %w", s.id, ErrClosed)
	}
	return s.page.Context(ctx), nil
}

// Navigate loads url and waits for the load event.
func (s *PageSession) Navigate(ctx context.Context, url string) error {
	page, err := s.ready(ctx)
	if err != nil {
		return err
	}
	page = page.Timeout(s.navTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return page.WaitLoad()
}

// Click clicks the first element matching selector.
func (s *PageSession) Click(ctx context.Context, selector string) error {
	page, err := s.ready(ctx)
	if err != nil {
		return err
	}
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

// Input replaces the value of the element matching selector.
func (s *PageSession) Input(ctx context.Context, selector, text string) error {
	page, err := s.ready(ctx)
	if err != nil {
		return err
	}
	el, err := page.Element(selector)
	if err != nil {
		return fmt.Errorf("element not found: %w", err)
	}
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(text)
}

// Text returns the text of the element matching selector.
func (s *PageSession) Text(ctx context.Context, selector string) (string, error) {
	page, err := s.ready(ctx)
	if err != nil {
		return "", err
	}
	el, err := page.Element(selector)
	if err != nil {
		return "", fmt.Errorf("element not found: %w", err)
	}
	return el.Text()
}

// Visible reports whether an element matching selector exists and is
// rendered. It does not wait for the element to appear.
func (s *PageSession) Visible(ctx context.Context, selector string) (bool, error) {
	page, err := s.ready(ctx)
	if err != nil {
		return false, err
	}
	has, el, err := page.Has(selector)
	if err != nil || !has {
		return false, err
	}
	return el.Visible()
}

// Eval runs a JavaScript function expression such as "() => document.title"
// and returns its JSON value.
func (s *PageSession) Eval(ctx context.Context, js string) (any, error) {
	page, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	res, err := page.Eval(js)
	if err != nil {
		return nil, err
	}
	return res.Value.Val(), nil
}
