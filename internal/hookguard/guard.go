// Package hookguard answers carrier webhooks within their hard deadline.
//
// The carrier treats a webhook as failed when no response arrives within
// about five seconds. Guard races the real handler against a shorter timer;
// whichever finishes first writes the one and only response. A handler that
// loses the race keeps running and its outcome is handed to Late.
package hookguard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

const (
	// DefaultTimeout stays under the carrier's five second webhook deadline.
	DefaultTimeout       = 4800 * time.Millisecond
	DefaultHandlerBudget = 60 * time.Second
)

// Result is a fully rendered webhook response body.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Outcome is what a handler eventually produced.
type Outcome struct {
	Result Result
	Err    error
}

// Func computes the real webhook response.
type Func func(ctx context.Context) (Result, error)

// LateFunc receives the outcome of a handler that finished after a response was written.
type LateFunc func(ctx context.Context, o Outcome)

// Guard enforces a single, timely response per webhook request.
type Guard struct {
	Timeout       time.Duration
	HandlerBudget time.Duration
	// Fallback is written when Timeout elapses first.
	Fallback Result
	// Late is used when Serve is not given a per-request LateFunc.
	Late   LateFunc
	Logger *slog.Logger
}

// New creates a Guard with the given timeout and fallback response.
func New(timeout time.Duration, fallback Result, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		Timeout:       timeout,
		HandlerBudget: DefaultHandlerBudget,
		Fallback:      fallback,
		Logger:        logger,
	}
}

// responder writes to the transport at most once.
type responder struct {
	w    http.ResponseWriter
	sent atomic.Bool
}

func (r *responder) send(res Result) bool {
	if !r.sent.CompareAndSwap(false, true) {
		return false
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if res.ContentType != "" {
		r.w.Header().Set("Content-Type", res.ContentType)
	}
	r.w.WriteHeader(status)
	if len(res.Body) > 0 {
		_, _ = r.w.Write(res.Body)
	}
	return true
}

// Serve runs fn and writes exactly one response to w. late, when non-nil,
// overrides g.Late for this request.
func (g *Guard) Serve(w http.ResponseWriter, r *http.Request, fn Func, late LateFunc) {
	if late == nil {
		late = g.Late
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	budget := g.HandlerBudget
	if budget <= 0 {
		budget = DefaultHandlerBudget
	}

	// The handler outlives the request when the fallback wins.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), budget)
	done := make(chan Outcome, 1)
	go func() {
		defer cancel()
		done <- run(hctx, fn)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	resp := &responder{w: w}
	select {
	case o := <-done:
		timer.Stop()
		if o.Err != nil {
			resp.send(errorResult(o.Err))
			return
		}
		resp.send(o.Result)
	case <-timer.C:
		resp.send(g.Fallback)
		g.Logger.Warn("webhook deadline reached, sent fallback response", "path", r.URL.Path, "timeout", timeout)
		go g.drain(hctx, r.URL.Path, done, late)
	case <-r.Context().Done():
		g.Logger.Warn("webhook caller went away before a response", "path", r.URL.Path)
		go g.drain(hctx, r.URL.Path, done, late)
	}
}

func (g *Guard) drain(ctx context.Context, path string, done <-chan Outcome, late LateFunc) {
	o := <-done
	if o.Err != nil {
		g.Logger.Error("webhook handler failed after response was sent", "path", path, "err", o.Err)
		return
	}
	if late != nil {
		late(context.WithoutCancel(ctx), o)
		return
	}
	g.Logger.Info("discarding late webhook result", "path", path)
}

func run(ctx context.Context, fn Func) (o Outcome) {
	defer func() {
		if p := recover(); p != nil {
			o = Outcome{Err: fmt.Errorf("hookguard: handler panic: %v", p)}
		}
	}()
	res, err := fn(ctx)
	return Outcome{Result: res, Err: err}
}

func errorResult(err error) Result {
	body, _ := json.Marshal(map[string]string{"message": err.Error()})
	return Result{
		StatusCode:  http.StatusBadRequest,
		ContentType: "application/json",
		Body:        body,
	}
}
