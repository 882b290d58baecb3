package mrt

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/peer-stats/internal/rib"
	"go.uber.org/zap"
)

// Open fetches ref, a local path or an http(s) URL, decompresses it by file
// extension (.bz2, .gz, .zst), and returns the entry stream. Fetch failures
// surface as *TransportError, bad compression headers as *DecodeError.
func Open(ctx context.Context, ref string, logger *zap.Logger) (rib.Source, error) {
	rc, err := OpenRaw(ctx, ref)
	if err != nil {
		return nil, err
	}
	return NewDecoder(ref, rc, rc.Close, logger), nil
}

// OpenRaw fetches and decompresses ref like Open but returns the raw MRT byte
// stream instead of an entry decoder.
func OpenRaw(ctx context.Context, ref string) (io.ReadCloser, error) {
	rc, err := openStream(ctx, ref)
	if err != nil {
		return nil, &TransportError{Ref: ref, Err: err}
	}

	var r io.Reader = rc
	closeFn := rc.Close
	switch {
	case strings.HasSuffix(ref, ".bz2"):
		r = bzip2.NewReader(rc)
	case strings.HasSuffix(ref, ".gz"):
		gr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, &DecodeError{Ref: ref, Err: err}
		}
		r = gr
	case strings.HasSuffix(ref, ".zst"):
		zr, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
		if err != nil {
			rc.Close()
			return nil, &DecodeError{Ref: ref, Err: err}
		}
		r = zr
		closeFn = func() error {
			zr.Close()
			return rc.Close()
		}
	}

	return &rawStream{Reader: r, closeFn: closeFn}, nil
}

type rawStream struct {
	io.Reader
	closeFn func() error
}

func (s *rawStream) Close() error { return s.closeFn() }

func openStream(ctx context.Context, ref string) (io.ReadCloser, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %s", resp.Status)
		}
		return resp.Body, nil
	}
	return os.Open(ref)
}
