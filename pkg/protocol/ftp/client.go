package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

const (
	defaultPort        = "21"
	defaultDialTimeout = 30 * time.Second
	readBufferSize     = 64 * 1024
)

// ErrNoPath is returned for FTP URLs without a file path component.
var ErrNoPath = errors.New("ftp url has no file path")

// Client implements protocol.Client for ftp URLs. Each request opens its
// own control connection; FTP servers key transfer state to the control
// session, so sharing one across concurrent segment workers is not safe.
type Client struct {
	dialTimeout time.Duration
}

func NewClient() *Client {
	return &Client{dialTimeout: defaultDialTimeout}
}

// target holds the pieces of a parsed ftp URL plus resolved credentials.
type target struct {
	addr     string
	path     string
	username string
	password string
}

func (c *Client) parseTarget(cfg *protocol.RequestConfig) (*target, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid ftp url: %w", err)
	}
	if u.Path == "" || u.Path == "/" {
		return nil, ErrNoPath
	}

	host := u.Host
	if u.Port() == "" {
		host = u.Hostname() + ":" + defaultPort
	}

	// Credential precedence: request config, URL userinfo, anonymous.
	username, password := cfg.Username, cfg.Password
	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if username == "" {
		username = "anonymous"
		password = "anonymous@"
	}

	return &target{addr: host, path: u.Path, username: username, password: password}, nil
}

func (c *Client) connect(ctx context.Context, t *target, cfg *protocol.RequestConfig) (*ftp.ServerConn, error) {
	dialTimeout := c.dialTimeout
	if cfg.ConnectTimeout > 0 {
		dialTimeout = cfg.ConnectTimeout
	}

	conn, err := ftp.Dial(t.addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(dialTimeout))
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", t.addr, err)
	}

	if err := conn.Login(t.username, t.password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("ftp login %s: %w", t.addr, err)
	}

	return conn, nil
}

// Head resolves size and modification time via SIZE and MDTM. FTP has no
// validators beyond the timestamp, so the engine revalidates resumes
// against Last-Modified and size alone.
func (c *Client) Head(ctx context.Context, cfg *protocol.RequestConfig) (*protocol.ResponseInfo, error) {
	t, err := c.parseTarget(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := c.connect(ctx, t, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	size, err := conn.FileSize(t.path)
	if err != nil {
		return nil, fmt.Errorf("ftp size %s: %w", t.path, err)
	}

	info := &protocol.ResponseInfo{
		StatusCode:    http.StatusOK,
		ContentLength: size,
		// REST has been part of FTP since RFC 959; servers that reject it
		// surface the failure on the ranged retrieval instead.
		AcceptRanges: true,
		FinalURL:     cfg.URL,
	}

	if modTime, err := conn.GetTime(t.path); err == nil {
		info.LastModified = modTime.UTC().Format(http.TimeFormat)
	}

	return info, nil
}

// Get retrieves the file from RangeStart via REST. FTP cannot stop a
// transfer at an arbitrary byte, so when RangeEnd is set the stream is
// cut off client-side once the range is satisfied.
func (c *Client) Get(ctx context.Context, cfg *protocol.RequestConfig, fn protocol.DataFunc) (*protocol.ResponseInfo, error) {
	t, err := c.parseTarget(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := c.connect(ctx, t, cfg)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	offset := int64(0)
	if cfg.RangeStart > 0 {
		offset = cfg.RangeStart
	}

	resp, err := conn.RetrFrom(t.path, uint64(offset))
	if err != nil {
		return nil, fmt.Errorf("ftp retr %s: %w", t.path, err)
	}
	defer resp.Close()

	info := &protocol.ResponseInfo{
		StatusCode:   http.StatusOK,
		AcceptRanges: true,
		FinalURL:     cfg.URL,
	}

	remaining := int64(-1)
	if cfg.RangeEnd >= 0 {
		remaining = cfg.RangeEnd - offset + 1
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = readBufferSize
	}
	buf := make([]byte, bufferSize)
	for {
		if ctx.Err() != nil {
			return info, ctx.Err()
		}

		n, readErr := resp.Read(buf)
		if n > 0 {
			data := buf[:n]
			if remaining >= 0 && int64(len(data)) > remaining {
				data = data[:remaining]
			}
			if len(data) > 0 && !fn(data) {
				return info, protocol.ErrAborted
			}
			if remaining >= 0 {
				remaining -= int64(len(data))
				if remaining == 0 {
					return info, nil
				}
			}
		}
		if readErr == io.EOF {
			return info, nil
		}
		if readErr != nil {
			return info, fmt.Errorf("ftp read %s: %w", t.path, readErr)
		}
	}
}

func (c *Client) Supports(urlStr string) bool {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	return strings.ToLower(parsed.Scheme) == "ftp"
}

func (c *Client) Close() error {
	return nil
}
