package providers

import (
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

const (
	connectTimeout = 30 * time.Second
	requestTimeout = 10 * time.Minute
)

// sharedTransport is the process-wide connection pool. All adapters reuse it
// so keep-alive connections survive snapshot reloads.
var sharedTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   16,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   connectTimeout,
	ExpectContinueTimeout: 1 * time.Second,
	// Adapters handle gzip and brotli themselves so compressed error bodies
	// can still be captured.
	DisableCompression: true,
}

// newHTTPClient returns a client on the shared pool with the per-request
// total timeout.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: sharedTransport,
		Timeout:   requestTimeout,
	}
}

// decompressReader wraps the response body according to Content-Encoding.
func decompressReader(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedCloser{Reader: gz, closer: resp.Body}, nil
	case "br":
		return &wrappedCloser{Reader: brotli.NewReader(resp.Body), closer: resp.Body}, nil
	}
	return resp.Body, nil
}

type wrappedCloser struct {
	io.Reader
	closer io.Closer
}

func (w *wrappedCloser) Close() error { return w.closer.Close() }

// readBody drains a (possibly compressed) response body with a sanity cap.
func readBody(resp *http.Response) ([]byte, error) {
	reader, err := decompressReader(resp)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(io.LimitReader(reader, 64<<20))
}
