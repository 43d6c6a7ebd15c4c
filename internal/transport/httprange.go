package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"flashkit/internal/errs"
)

// HttpRange is the OTA engine's byte-range reader. It never accepts
// auto-decompression or automatic redirects (spec §9): redirects are
// followed exactly once, preserving the query string, and
// Accept-Encoding is left unset so the transport layer, not net/http,
// decides what "identity" means for a signed-URL GET.
type HttpRange struct {
	URL       string
	UserAgent string
	Client    *http.Client
}

// NewHttpRange builds a range reader with its own *http.Client — per
// §4.7/§9, concurrent range fetchers must not share a client/connection
// pool with each other or with the main engine.
func NewHttpRange(url, userAgent string) *HttpRange {
	client := &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 1 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return &HttpRange{URL: url, UserAgent: userAgent, Client: client}
}

func (h *HttpRange) Connect(ctx context.Context) error { return nil }
func (h *HttpRange) Disconnect() error                 { return nil }

func (h *HttpRange) Send(ctx context.Context, buf []byte) (int, error) {
	return 0, errs.New("transport.httprange", errs.KindUnsupported, "range transport is read-only")
}

func (h *HttpRange) Recv(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	return 0, errs.New("transport.httprange", errs.KindUnsupported, "use FetchRange instead")
}

// FetchRange performs one Range GET for [start, start+length) and
// returns at most that many bytes: a body that ends early (for example
// a range past the end of the resource) is returned short, without an
// error. A 200 response (no range support) is tolerated by discarding
// the prefix before start.
func (h *HttpRange) FetchRange(ctx context.Context, start, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, errs.Wrap("transport.httprange", errs.KindTransport, "build request", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}

	resp, err := h.doFollowingOneRedirect(req)
	if err != nil {
		return nil, errs.Wrap("transport.httprange", errs.KindTransport, "range request failed", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		out := make([]byte, length)
		n, err := io.ReadFull(resp.Body, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, errs.Wrap("transport.httprange", errs.KindTransport, "short range read", err)
		}
		return out[:n], nil
	case http.StatusOK:
		// Server ignored Range: stream-and-discard up to start, then
		// read exactly length bytes.
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			return nil, errs.Wrap("transport.httprange", errs.KindTransport, "discard prefix", err)
		}
		out := make([]byte, length)
		n, err := io.ReadFull(resp.Body, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, errs.Wrap("transport.httprange", errs.KindTransport, "short body read", err)
		}
		return out[:n], nil
	default:
		return nil, errs.New("transport.httprange", errs.KindTransport,
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// ContentLength performs a single range probe to learn the resource's
// total size from Content-Range, without downloading the whole body.
func (h *HttpRange) ContentLength(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := h.doFollowingOneRedirect(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if cr := resp.Header.Get("Content-Range"); cr != "" {
		var total int64
		if _, err := fmt.Sscanf(cr, "bytes 0-0/%d", &total); err == nil {
			return total, nil
		}
	}
	return resp.ContentLength, nil
}

func (h *HttpRange) doFollowingOneRedirect(req *http.Request) (*http.Response, error) {
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return nil, errs.New("transport.httprange", errs.KindTransport, "redirect without Location")
		}
		redirected, err := http.NewRequestWithContext(req.Context(), http.MethodGet, loc, nil)
		if err != nil {
			return nil, err
		}
		redirected.Header = req.Header.Clone()
		return h.Client.Do(redirected)
	}
	return resp, nil
}
