// Package webreq provides a reusable, callback-style HTTP request object.
//
// A Request is driven through three operations — Open, SetHeader, Send —
// and reports its terminal outcome through event listeners:
//
//	r := webreq.New()
//	r.AddEventListener(webreq.EventLoad, func(r *webreq.Request) { ... })
//	_ = r.Open(http.MethodGet, "https://api.example.com/items")
//	r.SetHeader("Accept", "application/json")
//	_ = r.Send(nil)
//	<-r.Done()
//
// Exactly one of the load, error, or abort events fires per Send. Send is
// asynchronous: the request runs on its own goroutine and listeners are
// invoked there after the response (or failure) has been recorded.
//
// The three operations dispatch through the package-level Methods table
// so instrumentation can wrap them. Swapping table entries is only safe
// while no requests are in flight; production setups enable
// instrumentation once at startup.
package webreq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Event identifies a terminal outcome of a Send.
type Event string

const (
	// EventLoad fires when a response was received, whatever its status.
	EventLoad Event = "load"
	// EventError fires when the request failed at the transport level.
	EventError Event = "error"
	// EventAbort fires when the request was canceled via Abort.
	EventAbort Event = "abort"
)

// Listener receives the request after it reached a terminal state.
type Listener func(*Request)

// MethodTable is the dispatch table for Request operations. It is the
// hook point for instrumentation: a wrapper captures the current entries,
// installs its own, and delegates to the captured originals.
type MethodTable struct {
	Open      func(r *Request, method, url string) error
	SetHeader func(r *Request, key, value string)
	Send      func(r *Request, body []byte) error
}

// Methods holds the currently-installed operations. See the package
// comment for the mutation constraints.
var Methods = MethodTable{
	Open:      open,
	SetHeader: setHeader,
	Send:      send,
}

type state int

const (
	stateUnopened state = iota
	stateOpened
	stateSent
	stateDone
)

type listenerEntry struct {
	id string
	fn Listener
}

// Request is a reusable request object. A Request must not be used from
// multiple goroutines during Open/SetHeader/Send sequencing, but
// accessors and Abort are safe to call concurrently with the in-flight
// request.
type Request struct {
	mu sync.Mutex

	ctx    context.Context
	client *http.Client

	state   state
	method  string
	url     string
	headers http.Header

	listeners map[Event][]listenerEntry

	cancel  context.CancelFunc
	aborted bool
	done    chan struct{}

	status     int
	statusText string
	respHeader http.Header
	respBody   []byte
	err        error
}

// New returns an unopened Request using http.DefaultClient.
func New() *Request {
	return NewWithContext(context.Background())
}

// NewWithContext returns an unopened Request whose outgoing call derives
// from ctx. The context also parents any span the instrumentation starts
// for this request.
func NewWithContext(ctx context.Context) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Request{
		ctx:       ctx,
		client:    http.DefaultClient,
		listeners: make(map[Event][]listenerEntry),
	}
}

// SetClient replaces the underlying HTTP client. Must be called before Send.
func (r *Request) SetClient(c *http.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c != nil {
		r.client = c
	}
}

// Open prepares the request with a method and target URL. Calling Open
// on a finished Request resets it for reuse.
func (r *Request) Open(method, url string) error { return Methods.Open(r, method, url) }

// SetHeader records a header for the outgoing request. Must be called
// between Open and Send.
func (r *Request) SetHeader(key, value string) { Methods.SetHeader(r, key, value) }

// Send dispatches the request asynchronously. Exactly one terminal event
// fires afterwards; Done is closed once its listeners have run.
func (r *Request) Send(body []byte) error { return Methods.Send(r, body) }

// Abort cancels an in-flight request. The abort event fires if the
// request had not already reached a terminal state.
func (r *Request) Abort() {
	r.mu.Lock()
	if r.state != stateSent {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AddEventListener registers fn for the given event and returns a handle
// for removal. Listeners persist across reuse of the Request.
func (r *Request) AddEventListener(event Event, fn Listener) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.listeners[event] = append(r.listeners[event], listenerEntry{id: id, fn: fn})
	return id
}

// RemoveEventListener removes the listener registered under handle.
func (r *Request) RemoveEventListener(event Event, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.listeners[event]
	for i, e := range entries {
		if e.id == handle {
			r.listeners[event] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Done returns a channel closed after the terminal event's listeners have
// run. Returns nil before the first Send.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Status returns the response status code, or 0 before load.
func (r *Request) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusText returns the response status text, or "" before load.
func (r *Request) StatusText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusText
}

// ResponseHeader returns a response header value, or "" when absent.
func (r *Request) ResponseHeader(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.respHeader == nil {
		return ""
	}
	return r.respHeader.Get(key)
}

// Body returns the response body after load.
func (r *Request) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respBody
}

// Err returns the transport error after the error event, nil otherwise.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Method returns the method recorded by Open.
func (r *Request) Method() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.method
}

// URL returns the target URL recorded by Open.
func (r *Request) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// Context returns the context the Request was created with.
func (r *Request) Context() context.Context { return r.ctx }

// Aborted reports whether the request was canceled via Abort.
func (r *Request) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

var (
	errNotOpened = errors.New("webreq: request not opened")
	errInFlight  = errors.New("webreq: request already in flight")
	errBadMethod = errors.New("webreq: method is required")
	errBadURL    = errors.New("webreq: url is required")
)

func open(r *Request, method, url string) error {
	if method == "" {
		return errBadMethod
	}
	if url == "" {
		return errBadURL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateSent {
		return errInFlight
	}
	r.state = stateOpened
	r.method = method
	r.url = url
	r.headers = make(http.Header)
	r.aborted = false
	r.cancel = nil
	r.done = nil
	r.status = 0
	r.statusText = ""
	r.respHeader = nil
	r.respBody = nil
	r.err = nil
	return nil
}

func setHeader(r *Request, key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers == nil {
		r.headers = make(http.Header)
	}
	r.headers.Set(key, value)
}

func send(r *Request, body []byte) error {
	r.mu.Lock()
	if r.state == stateSent {
		r.mu.Unlock()
		return errInFlight
	}
	if r.state != stateOpened {
		r.mu.Unlock()
		return errNotOpened
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.cancel = cancel
	r.state = stateSent
	r.done = make(chan struct{})

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, reader)
	if err != nil {
		r.state = stateOpened
		r.cancel = nil
		r.mu.Unlock()
		cancel()
		return fmt.Errorf("webreq: build request: %w", err)
	}
	for k, vs := range r.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	client := r.client
	done := r.done
	r.mu.Unlock()

	go r.perform(client, req, cancel, done)
	return nil
}

// perform executes the request and dispatches the single terminal event.
func (r *Request) perform(client *http.Client, req *http.Request, cancel context.CancelFunc, done chan struct{}) {
	defer cancel()
	defer close(done)

	resp, err := client.Do(req)
	if err != nil {
		r.mu.Lock()
		r.state = stateDone
		aborted := r.aborted
		if !aborted {
			r.err = err
		}
		r.mu.Unlock()
		if aborted {
			r.dispatch(EventAbort)
		} else {
			r.dispatch(EventError)
		}
		return
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)

	r.mu.Lock()
	r.state = stateDone
	aborted := r.aborted
	if aborted {
		r.mu.Unlock()
		r.dispatch(EventAbort)
		return
	}
	if readErr != nil {
		r.err = readErr
		r.mu.Unlock()
		r.dispatch(EventError)
		return
	}
	r.status = resp.StatusCode
	r.statusText = http.StatusText(resp.StatusCode)
	r.respHeader = resp.Header
	r.respBody = respBody
	r.mu.Unlock()
	r.dispatch(EventLoad)
}

func (r *Request) dispatch(event Event) {
	r.mu.Lock()
	entries := make([]listenerEntry, len(r.listeners[event]))
	copy(entries, r.listeners[event])
	r.mu.Unlock()
	for _, e := range entries {
		e.fn(r)
	}
}
