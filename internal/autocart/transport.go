package autocart

import (
	"net/http"
)

// Transport routes an http.Client through the worker: every request is
// dispatched as a fetch event, and requests the worker leaves alone go to
// Base.
type Transport struct {
	Worker *Worker
	Base   http.RoundTripper
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	p := t.Worker.Dispatch(ctx, Event{Kind: EventFetch, Request: req})
	if err := p.Wait(ctx); err != nil {
		return nil, err
	}
	if res := p.Fetch(); res.Intercepted() {
		return res.Response, nil
	}
	return t.base().RoundTrip(req)
}
