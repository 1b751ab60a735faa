// Package fetch provides a one-shot, promise-style HTTP request function.
//
// The entry point accepts several input conventions:
//
//	resp, err := fetch.Fetch(ctx, "https://api.example.com/items", nil)
//	resp, err := fetch.Fetch(ctx, parsedURL, &fetch.Options{Method: http.MethodPost, Body: payload})
//	resp, err := fetch.Fetch(ctx, &fetch.Request{URL: u, Method: "PUT", Body: body}, nil)
//
// Options override the corresponding fields of the input. All calls go
// through the package-level Do variable, which is the hook point for
// instrumentation; swapping Do is only safe while no calls are in
// flight, so production setups enable instrumentation once at startup.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Func is the signature of the fetch entry point.
type Func func(ctx context.Context, input any, opts *Options) (*Response, error)

// Do is the currently-installed fetch implementation.
var Do Func = do

// Fetch performs a single HTTP exchange through Do.
func Fetch(ctx context.Context, input any, opts *Options) (*Response, error) {
	return Do(ctx, input, opts)
}

// Request is a pre-built request descriptor, the third input convention.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   any
}

// Options override fields of the input, whichever convention was used.
type Options struct {
	Method string
	Header http.Header
	Body   any
	Client *http.Client
}

// Clone returns a deep copy safe to extend without touching the caller's
// Options. A nil receiver yields an empty Options.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}
	c := *o
	c.Header = o.Header.Clone()
	return &c
}

// Response is the terminal result of a successful exchange. Any status
// code, including 4xx and 5xx, yields a Response; only transport-level
// failures yield an error.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	URL        string
}

// Success reports whether the status code is in [200, 400).
func (r *Response) Success() bool {
	return r.Status >= 200 && r.Status < 400
}

func do(ctx context.Context, input any, opts *Options) (*Response, error) {
	method, target, header, body, err := Resolve(input, opts)
	if err != nil {
		return nil, err
	}

	reader, contentType, err := bodyReader(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := http.DefaultClient
	if opts != nil && opts.Client != nil {
		client = opts.Client
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}

	return &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header,
		Body:       respBody,
		URL:        resp.Request.URL.String(),
	}, nil
}

// Resolve normalizes the input conventions into concrete request fields.
// Options fields win over the input's; the method defaults to GET.
// Exported so instrumentation can extract metadata the same way Do does.
func Resolve(input any, opts *Options) (method, target string, header http.Header, body any, err error) {
	header = make(http.Header)

	switch v := input.(type) {
	case string:
		target = v
	case *url.URL:
		if v == nil {
			return "", "", nil, nil, fmt.Errorf("fetch: nil *url.URL input")
		}
		target = v.String()
	case *Request:
		if v == nil {
			return "", "", nil, nil, fmt.Errorf("fetch: nil *Request input")
		}
		target = v.URL
		method = v.Method
		body = v.Body
		for k, vs := range v.Header {
			header[k] = append([]string(nil), vs...)
		}
	default:
		return "", "", nil, nil, fmt.Errorf("fetch: unsupported input type %T", input)
	}

	if opts != nil {
		if opts.Method != "" {
			method = opts.Method
		}
		for k, vs := range opts.Header {
			header[k] = append([]string(nil), vs...)
		}
		if opts.Body != nil {
			body = opts.Body
		}
	}

	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	if target == "" {
		return "", "", nil, nil, fmt.Errorf("fetch: url is required")
	}
	return method, target, header, body, nil
}

// bodyReader converts the supported body kinds into an io.Reader plus a
// content-type hint for kinds that imply one.
func bodyReader(body any) (io.Reader, string, error) {
	switch v := body.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		if len(v) == 0 {
			return nil, "", nil
		}
		return bytes.NewReader(v), "", nil
	case string:
		if v == "" {
			return nil, "", nil
		}
		return strings.NewReader(v), "", nil
	case url.Values:
		return strings.NewReader(v.Encode()), "application/x-www-form-urlencoded", nil
	case io.Reader:
		return v, "", nil
	default:
		return nil, "", fmt.Errorf("fetch: unsupported body type %T", body)
	}
}
