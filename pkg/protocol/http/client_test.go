package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

func baseConfig(url string) *protocol.RequestConfig {
	return &protocol.RequestConfig{URL: url, RangeStart: -1, RangeEnd: -1}
}

func TestSupports(t *testing.T) {
	client := NewClient(nil)

	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"supports http", "http://example.com", true},
		{"supports https", "https://example.com", true},
		{"doesn't support ftp", "ftp://example.com", false},
		{"doesn't support junk", "not-a-url", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, client.Supports(tt.url))
		})
	}
}

func TestHead(t *testing.T) {
	t.Run("successful probe", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodHead, r.Method)
			w.Header().Set("Content-Length", "1000")
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("ETag", `"v1"`)
			w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
		}))
		defer server.Close()

		client := NewClient(nil)
		info, err := client.Head(context.Background(), baseConfig(server.URL))

		require.NoError(t, err)
		assert.Equal(t, int64(1000), info.ContentLength)
		assert.True(t, info.AcceptRanges)
		assert.Equal(t, `"v1"`, info.ETag)
		assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", info.LastModified)
	})

	t.Run("status error carries the code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := NewClient(nil)
		_, err := client.Head(context.Background(), baseConfig(server.URL))

		var httpErr *Error
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusNotFound, httpErr.Status)
		assert.True(t, httpErr.Permanent())
	})

	t.Run("falls back to ranged GET on 405", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
			w.Header().Set("Content-Range", "bytes 0-0/5000")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte{0})
		}))
		defer server.Close()

		client := NewClient(nil)
		info, err := client.Head(context.Background(), baseConfig(server.URL))

		require.NoError(t, err)
		assert.Equal(t, int64(5000), info.ContentLength)
		assert.True(t, info.AcceptRanges)
	})

	t.Run("reports final URL after redirects", func(t *testing.T) {
		var finalURL string
		mux := http.NewServeMux()
		mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/real", http.StatusMovedPermanently)
		})
		mux.HandleFunc("/real", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "10")
		})
		server := httptest.NewServer(mux)
		defer server.Close()
		finalURL = server.URL + "/real"

		client := NewClient(nil)
		info, err := client.Head(context.Background(), baseConfig(server.URL+"/start"))

		require.NoError(t, err)
		assert.Equal(t, finalURL, info.FinalURL)
	})

	t.Run("redirect cap enforced", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
		}))
		defer server.Close()

		client := NewClient(nil)
		cfg := baseConfig(server.URL)
		cfg.MaxRedirects = 3
		_, err := client.Head(context.Background(), cfg)
		assert.Error(t, err)
	})
}

func TestGet(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)

	t.Run("streams full body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(payload)
		}))
		defer server.Close()

		client := NewClient(nil)
		var received bytes.Buffer
		_, err := client.Get(context.Background(), baseConfig(server.URL), func(data []byte) bool {
			received.Write(data)
			return true
		})

		require.NoError(t, err)
		assert.Equal(t, payload, received.Bytes())
	})

	t.Run("sends range header and accepts 206", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes=100-199", r.Header.Get("Range"))
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 100-199/%d", len(payload)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(payload[100:200])
		}))
		defer server.Close()

		client := NewClient(nil)
		cfg := baseConfig(server.URL)
		cfg.RangeStart, cfg.RangeEnd = 100, 199

		var received bytes.Buffer
		info, err := client.Get(context.Background(), cfg, func(data []byte) bool {
			received.Write(data)
			return true
		})

		require.NoError(t, err)
		assert.Equal(t, payload[100:200], received.Bytes())
		assert.Equal(t, int64(len(payload)), info.ContentLength)
	})

	t.Run("rejects 200 for a non-zero range start", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(payload) // ignores the Range header
		}))
		defer server.Close()

		client := NewClient(nil)
		cfg := baseConfig(server.URL)
		cfg.RangeStart = 100

		_, err := client.Get(context.Background(), cfg, func([]byte) bool { return true })
		assert.ErrorIs(t, err, ErrRangeIgnored)
	})

	t.Run("callback abort stops the stream", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(payload)
		}))
		defer server.Close()

		client := NewClient(nil)
		calls := 0
		_, err := client.Get(context.Background(), baseConfig(server.URL), func([]byte) bool {
			calls++
			return false
		})

		assert.ErrorIs(t, err, protocol.ErrAborted)
		assert.Equal(t, 1, calls)
	})

	t.Run("applies request decoration", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "TestAgent/2.0", r.Header.Get("User-Agent"))
			assert.Equal(t, "https://referrer.example/", r.Header.Get("Referer"))
			assert.Equal(t, "k=v", r.Header.Get("Cookie"))
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "alice", user)
			assert.Equal(t, "secret", pass)
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		client := NewClient(nil)
		cfg := baseConfig(server.URL)
		cfg.UserAgent = "TestAgent/2.0"
		cfg.Referrer = "https://referrer.example/"
		cfg.Cookies = "k=v"
		cfg.Username = "alice"
		cfg.Password = "secret"

		_, err := client.Get(context.Background(), cfg, func([]byte) bool { return true })
		require.NoError(t, err)
	})

	t.Run("server error classified transient or permanent", func(t *testing.T) {
		for status, wantTransient := range map[int]bool{
			http.StatusServiceUnavailable: true,
			http.StatusTooManyRequests:    true,
			http.StatusNotFound:           false,
			http.StatusForbidden:          false,
		} {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))

			client := NewClient(nil)
			_, err := client.Get(context.Background(), baseConfig(server.URL), func([]byte) bool { return true })

			var httpErr *Error
			require.ErrorAs(t, err, &httpErr, "status %d", status)
			assert.Equal(t, wantTransient, httpErr.Transient(), "status %d", status)
			assert.Equal(t, !wantTransient, httpErr.Permanent(), "status %d", status)

			server.Close()
		}
	})

	t.Run("retry-after hint is parsed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		client := NewClient(nil)
		_, err := client.Get(context.Background(), baseConfig(server.URL), func([]byte) bool { return true })

		var httpErr *Error
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, 2*time.Minute, httpErr.RetryAfter)
	})

	t.Run("receive stall surfaces as timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-release
		}))
		defer server.Close()
		defer close(release)

		client := NewClient(nil)
		cfg := baseConfig(server.URL)
		cfg.ReceiveTimeout = 200 * time.Millisecond

		_, err := client.Get(context.Background(), cfg, func([]byte) bool { return true })

		var httpErr *Error
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, ErrorTypeTimeout, httpErr.Type)
	})

	t.Run("connection refused is a network error", func(t *testing.T) {
		client := NewClient(nil)
		_, err := client.Get(context.Background(), baseConfig("http://127.0.0.1:1/none"), func([]byte) bool { return true })

		var httpErr *Error
		require.ErrorAs(t, err, &httpErr)
		assert.True(t, httpErr.Transient())
	})
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		in     string
		want   int64
		wantOK bool
	}{
		{"bytes 0-0/1234", 1234, true},
		{"bytes 5-9/42", 42, true},
		{"bytes 0-0/*", 0, false},
		{"", 0, false},
		{"garbage", 0, false},
	}

	for _, tt := range tests {
		got, ok := parseContentRangeTotal(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("parseContentRangeTotal(%q) = (%d, %v), want (%d, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &Error{Type: ErrorTypeNetwork, Operation: "GET", URL: "http://x", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "network error")
}
