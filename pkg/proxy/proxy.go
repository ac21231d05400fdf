package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/extension"
	"github.com/ngoyal88/recordreplay/pkg/record"
)

const (
	defaultMaxFailures    = 5
	defaultOpenTimeout    = 30 * time.Second
	defaultPersistTimeout = 10 * time.Second
	chunkSize             = 32 * 1024
)

// Recorder is the part of the recording service the proxy depends on.
type Recorder interface {
	IsRecording() bool
	CreateRecord(ctx context.Context, rec *record.Record) (int64, error)
	GetRecordByPath(path string) (*record.Record, error)
}

// Handler serves one proxied route. While recording it forwards to the
// upstream and stores what comes back; otherwise it replays stored
// responses.
type Handler struct {
	prefix       string
	base         string
	preserveHost bool

	recorder     Recorder
	manipulators extension.Manipulators
	filters      extension.Filters

	client         *http.Client
	breaker        *gobreaker.CircuitBreaker
	persistTimeout time.Duration
	log            *zap.Logger
}

type Option func(*Handler)

// WithClient replaces the upstream HTTP client.
func WithClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithPersistTimeout bounds how long saving a finished record may take.
func WithPersistTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.persistTimeout = d
		}
	}
}

// New builds the handler for one configured route. Extension names are
// resolved against reg.
func New(cfg config.ProxyConfig, rec Recorder, reg *extension.Registry, log *zap.Logger, opts ...Option) (*Handler, error) {
	upstream, err := url.Parse(cfg.Upstream())
	if err != nil {
		return nil, fmt.Errorf("proxy %s: bad upstream: %w", cfg.RootPath, err)
	}
	if upstream.Host == "" {
		return nil, fmt.Errorf("proxy %s: upstream %q has no host", cfg.RootPath, cfg.Upstream())
	}

	log = log.With(zap.String("route", cfg.RootPath))
	h := &Handler{
		prefix:         strings.TrimSuffix(cfg.RootPath, "/"),
		base:           strings.TrimSuffix(upstream.String(), "/"),
		preserveHost:   cfg.Client.PreserveHost,
		recorder:       rec,
		manipulators:   reg.HeaderManipulators(cfg.HeaderManipulators),
		filters:        reg.ResponseFilters(cfg.ResponseFilters),
		client:         newClient(cfg.Client),
		breaker:        newBreaker(cfg.RootPath, cfg.Breaker, log),
		persistTimeout: defaultPersistTimeout,
		log:            log,
	}
	for _, opt := range opts {
		opt(h)
	}

	log.Info("proxy route ready",
		zap.String("upstream", h.base),
		zap.Int("header_manipulators", len(h.manipulators)),
		zap.Int("response_filters", len(h.filters)))
	return h, nil
}

func newClient(cfg config.ClientConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	return &http.Client{
		Transport: transport,
		// Redirects go back to the caller untouched.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newBreaker(name string, cfg config.BreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = defaultOpenTimeout
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= maxFailures
		},
		// A client hanging up says nothing about upstream health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
}

// recordPath is the key records are stored and looked up under: the
// request URI as received, query included.
func recordPath(r *http.Request) string {
	if r.RequestURI != "" && !strings.Contains(r.RequestURI, "://") {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// upstreamPath strips the route prefix from the request URI.
func (h *Handler) upstreamPath(uri string) string {
	rest := strings.TrimPrefix(uri, h.prefix)
	if rest == "" || rest[0] != '/' {
		rest = "/" + rest
	}
	return rest
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.recorder.IsRecording() {
		h.forward(w, r)
		return
	}
	h.replay(w, r)
}

func (h *Handler) outbound(r *http.Request, path string) (*http.Request, error) {
	target := h.base + h.upstreamPath(path)

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}

	out.Header = r.Header.Clone()
	extension.RemoveHopByHop(out.Header)
	out.Header.Del("Content-Length")
	if body != nil {
		out.ContentLength = -1
	}
	if h.preserveHost {
		out.Host = r.Host
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", r.Host)
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	return out, nil
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request) {
	path := recordPath(r)
	log := h.log.With(zap.String("path", path))

	out, err := h.outbound(r, path)
	if err != nil {
		log.Warn("cannot build upstream request", zap.Error(err))
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	result, err := h.breaker.Execute(func() (interface{}, error) {
		return h.client.Do(out)
	})
	upstreamLatency.WithLabelValues(h.prefix).Observe(time.Since(start).Seconds())
	if err != nil {
		h.upstreamFailed(w, r, log, err)
		return
	}
	res := result.(*http.Response)
	defer res.Body.Close()

	hdr := w.Header()
	for k, vs := range res.Header {
		hdr[k] = append([]string(nil), vs...)
	}
	h.manipulators.Apply(hdr)
	w.WriteHeader(res.StatusCode)

	rec := record.New()
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, chunkSize)
	for {
		n, rerr := res.Body.Read(buf)
		if n > 0 {
			rec.Append(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Debug("client went away, record discarded", zap.Error(werr))
				recordings.WithLabelValues(h.prefix, "discarded").Inc()
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			log.Warn("upstream body read failed, record discarded", zap.Error(rerr))
			recordings.WithLabelValues(h.prefix, "discarded").Inc()
			return
		}
	}

	rec.StatusCode = res.StatusCode
	rec.Header = record.FromHTTP(res.Header)
	rec.Path = path
	rec.Timestamp = record.Now()

	if !h.filters.Allow(res) {
		log.Debug("response filtered, not recorded", zap.Int("status", res.StatusCode))
		recordings.WithLabelValues(h.prefix, "filtered").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.persistTimeout)
	defer cancel()
	id, err := h.recorder.CreateRecord(ctx, rec)
	if err != nil {
		log.Error("failed to persist record", zap.Error(err))
		recordings.WithLabelValues(h.prefix, "failed").Inc()
		return
	}
	recordings.WithLabelValues(h.prefix, "persisted").Inc()
	log.Debug("recorded response", zap.Int64("id", id), zap.Int("status", rec.StatusCode), zap.Int("bytes", len(rec.Body)))
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		upstreamErrors.WithLabelValues(h.prefix, "circuit_open").Inc()
		writeMessage(w, http.StatusServiceUnavailable, "Service Unavailable (circuit open)")
	case r.Context().Err() != nil:
		upstreamErrors.WithLabelValues(h.prefix, "client_canceled").Inc()
		log.Debug("client canceled before upstream answered", zap.Error(err))
	default:
		upstreamErrors.WithLabelValues(h.prefix, "transport").Inc()
		log.Warn("upstream error", zap.Error(err))
		writeMessage(w, http.StatusBadGateway, "upstream error: "+err.Error())
	}
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	path := recordPath(r)
	rec, err := h.recorder.GetRecordByPath(path)
	if err != nil {
		replayLookups.WithLabelValues(h.prefix, "miss").Inc()
		writeMessage(w, http.StatusNotFound, err.Error())
		return
	}
	replayLookups.WithLabelValues(h.prefix, "hit").Inc()

	if rec.StatusCode < 100 || rec.StatusCode > 999 {
		h.log.Warn("stored record has an invalid status code",
			zap.String("path", path), zap.Int64("id", rec.ID), zap.Int("status", rec.StatusCode))
		writeMessage(w, http.StatusInternalServerError,
			fmt.Sprintf("record %d has invalid status code %d", rec.ID, rec.StatusCode))
		return
	}

	hdr := w.Header()
	rec.Header.ToHTTP(hdr)
	if hdr.Get("Content-Length") != "" {
		hdr.Set("Content-Length", strconv.Itoa(len(rec.Body)))
	}
	w.WriteHeader(rec.StatusCode)
	if _, err := w.Write(rec.Body); err != nil {
		h.log.Debug("replay write failed", zap.String("path", path), zap.Error(err))
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": msg})
}
