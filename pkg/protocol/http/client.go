package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

const readBufferSize = 64 * 1024

// Client implements protocol.Client for http and https URLs. A single
// Client can serve many concurrent requests; transports are cached per
// proxy/TLS combination so connections are reused across segments.
type Client struct {
	config ClientConfig

	mu         sync.Mutex
	transports map[string]*http.Transport
}

func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		config:     *config,
		transports: make(map[string]*http.Transport),
	}
}

// transportFor returns a shared transport for the request's proxy and TLS
// settings, creating it on first use.
func (c *Client) transportFor(cfg *protocol.RequestConfig) (*http.Transport, error) {
	key := cfg.ProxyAddr + "|" + strconv.FormatBool(cfg.SkipTLSVerify)

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transports[key]; ok {
		return t, nil
	}

	dialTimeout := c.config.DialTimeout
	if cfg.ConnectTimeout > 0 {
		dialTimeout = cfg.ConnectTimeout
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        c.config.MaxIdleConns,
		MaxIdleConnsPerHost: c.config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     c.config.MaxConnsPerHost,
		IdleConnTimeout:     c.config.IdleConnTimeout,
		TLSHandshakeTimeout: c.config.TLSHandshakeTimeout,
		DisableCompression:  true,

		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: c.config.KeepAliveTimeout,
		}).DialContext,
	}

	if cfg.ProxyAddr != "" {
		proxyURL, err := url.Parse("http://" + cfg.ProxyAddr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q: %w", cfg.ProxyAddr, err)
		}
		if cfg.ProxyUsername != "" {
			proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if cfg.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c.transports[key] = transport

	return transport, nil
}

func (c *Client) httpClient(cfg *protocol.RequestConfig) (*http.Client, error) {
	transport, err := c.transportFor(cfg)
	if err != nil {
		return nil, err
	}

	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = c.config.MaxRedirects
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				// A redirect storm is not retryable; classified as a
				// validation failure, not a transient network error.
				return &Error{
					Type:      ErrorTypeValidation,
					Operation: "redirect",
					URL:       req.URL.String(),
					Err:       fmt.Errorf("too many redirects (max: %d)", maxRedirects),
				}
			}
			return nil
		},
	}, nil
}

func (c *Client) buildRequest(ctx context.Context, method string, cfg *protocol.RequestConfig) (*http.Request, error) {
	var body io.Reader
	if method == http.MethodPost && cfg.PostData != "" {
		body = strings.NewReader(cfg.PostData)
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}

	for k, v := range c.config.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
	if cfg.Referrer != "" {
		req.Header.Set("Referer", cfg.Referrer)
	}
	if cfg.Cookies != "" {
		req.Header.Set("Cookie", cfg.Cookies)
	}
	if body != nil {
		contentType := cfg.ContentType
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
		req.Header.Set("Content-Type", contentType)
	}
	if cfg.Username != "" {
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if rangeHeader := cfg.RangeHeader(); rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	return req, nil
}

func parseResponseInfo(resp *http.Response) *protocol.ResponseInfo {
	info := &protocol.ResponseInfo{
		StatusCode:         resp.StatusCode,
		ContentLength:      resp.ContentLength,
		ContentType:        resp.Header.Get("Content-Type"),
		ContentDisposition: resp.Header.Get("Content-Disposition"),
		AcceptRanges:       strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		ETag:               resp.Header.Get("ETag"),
		LastModified:       resp.Header.Get("Last-Modified"),
		Headers:            make(map[string]string, len(resp.Header)),
	}

	if resp.Request != nil && resp.Request.URL != nil {
		info.FinalURL = resp.Request.URL.String()
	}

	for k := range resp.Header {
		info.Headers[k] = resp.Header.Get(k)
	}

	// A 206 reports the full size in Content-Range, not Content-Length.
	if resp.StatusCode == http.StatusPartialContent {
		info.AcceptRanges = true
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			info.ContentLength = total
		}
	}

	return info
}

// parseContentRangeTotal extracts the total size from "bytes 0-0/1234".
func parseContentRangeTotal(contentRange string) (int64, bool) {
	if contentRange == "" {
		return 0, false
	}
	parts := strings.Split(contentRange, "/")
	if len(parts) != 2 || parts[1] == "*" {
		return 0, false
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

// Head probes the URL. Some servers reject HEAD outright, so a 405 or 403
// falls back to a minimal ranged GET (bytes=0-0) the way browsers do.
func (c *Client) Head(ctx context.Context, cfg *protocol.RequestConfig) (*protocol.ResponseInfo, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is empty")
	}
	if !c.Supports(cfg.URL) {
		return nil, fmt.Errorf("url %q is not http or https", cfg.URL)
	}

	info, headErr := c.headRequest(ctx, cfg)
	if headErr == nil {
		return info, nil
	}

	var httpErr *Error
	if !errors.As(headErr, &httpErr) {
		return nil, headErr
	}
	if httpErr.Status != http.StatusMethodNotAllowed && httpErr.Status != http.StatusForbidden {
		return nil, headErr
	}

	fallbackInfo, fbErr := c.fallbackRangeCheck(ctx, cfg)
	if fbErr != nil {
		return nil, fmt.Errorf("HEAD error: %w, fallback GET error: %v", headErr, fbErr)
	}

	return fallbackInfo, nil
}

func (c *Client) headRequest(ctx context.Context, cfg *protocol.RequestConfig) (*protocol.ResponseInfo, error) {
	client, err := c.httpClient(cfg)
	if err != nil {
		return nil, err
	}

	headCfg := *cfg
	headCfg.RangeStart, headCfg.RangeEnd = -1, -1

	req, err := c.buildRequest(ctx, http.MethodHead, &headCfg)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError("HEAD", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError("HEAD", cfg.URL, resp,
			fmt.Errorf("HEAD request returned status %d", resp.StatusCode))
	}

	return parseResponseInfo(resp), nil
}

func (c *Client) fallbackRangeCheck(ctx context.Context, cfg *protocol.RequestConfig) (*protocol.ResponseInfo, error) {
	client, err := c.httpClient(cfg)
	if err != nil {
		return nil, err
	}

	probeCfg := *cfg
	probeCfg.RangeStart, probeCfg.RangeEnd = 0, 0

	req, err := c.buildRequest(ctx, http.MethodGet, &probeCfg)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError("fallbackGET", cfg.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
		return parseResponseInfo(resp), nil
	default:
		return nil, newStatusError("GET", cfg.URL, resp, errors.New("unexpected status code"))
	}
}

// Get streams the response body through fn. The receive-timeout watchdog
// cancels the request if no bytes arrive within the window, so a stalled
// connection surfaces as a timeout instead of hanging a worker forever.
func (c *Client) Get(ctx context.Context, cfg *protocol.RequestConfig, fn protocol.DataFunc) (*protocol.ResponseInfo, error) {
	if !c.Supports(cfg.URL) {
		return nil, fmt.Errorf("url %q is not http or https", cfg.URL)
	}

	client, err := c.httpClient(cfg)
	if err != nil {
		return nil, err
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := c.buildRequest(reqCtx, method, cfg)
	if err != nil {
		return nil, err
	}

	receiveTimeout := cfg.ReceiveTimeout
	if receiveTimeout <= 0 {
		receiveTimeout = c.config.ReceiveTimeout
	}

	var stalled atomic.Bool
	watchdog := time.AfterFunc(receiveTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	resp, err := client.Do(req)
	if err != nil {
		if stalled.Load() {
			return nil, &Error{Type: ErrorTypeTimeout, Operation: "GET", URL: cfg.URL,
				Err: fmt.Errorf("no response within %v", receiveTimeout)}
		}
		return nil, classifyTransportError("GET", cfg.URL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		if cfg.RangeStart > 0 {
			return nil, &Error{Type: ErrorTypeValidation, Operation: "GET", URL: cfg.URL,
				Status: resp.StatusCode, Err: ErrRangeIgnored}
		}
	default:
		return nil, newStatusError("GET", cfg.URL, resp,
			fmt.Errorf("GET request returned status %d", resp.StatusCode))
	}

	info := parseResponseInfo(resp)

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = readBufferSize
	}
	buf := make([]byte, bufferSize)
	for {
		watchdog.Reset(receiveTimeout)
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if !fn(buf[:n]) {
				return info, protocol.ErrAborted
			}
		}
		if readErr == io.EOF {
			return info, nil
		}
		if readErr != nil {
			if stalled.Load() {
				return info, &Error{Type: ErrorTypeTimeout, Operation: "GET", URL: cfg.URL,
					Err: fmt.Errorf("no data received within %v", receiveTimeout)}
			}
			if ctx.Err() != nil {
				return info, ctx.Err()
			}
			return info, classifyTransportError("GET", cfg.URL, readErr)
		}
	}
}

// classifyTransportError maps transport failures onto the typed error so
// the retry policy can distinguish timeouts from hard network failures.
// An Error already in the chain (a CheckRedirect rejection wrapped in a
// url.Error) is surfaced as-is instead of being reclassified.
func classifyTransportError(op, urlStr string, err error) *Error {
	var inner *Error
	if errors.As(err, &inner) {
		return inner
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Type: ErrorTypeTimeout, Operation: op, URL: urlStr, Err: err}
	}
	return newNetworkError(op, urlStr, err)
}

func (c *Client) Supports(urlStr string) bool {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return scheme == "http" || scheme == "https"
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
	return nil
}
