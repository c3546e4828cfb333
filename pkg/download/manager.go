// Package download fetches update packages over HTTP(S) on a background
// worker, resuming partial files and reporting throttled progress.
package download

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/iot-go-sdk/otaengine/pkg/ota"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultTotalTimeout   = 600 * time.Second

	// ProgressStep is the minimum percent change between two progress events.
	ProgressStep = 5

	bufferSize = 32 * 1024
)

// Event reports the progress of one download session. Status is DownloadOn
// for intermediate progress, DownloadSuccess or DownloadFail for the single
// terminal event. A cancelled session emits nothing further.
type Event struct {
	Session string
	Percent int
	Status  ota.UpgradeStatus
	Reason  string
	Path    string
}

// Terminal reports whether e ends its session.
func (e Event) Terminal() bool {
	return e.Status == ota.StatusDownloadSuccess || e.Status == ota.StatusDownloadFail
}

type Option func(*Manager)

// WithConnectTimeout bounds TCP connect and TLS handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithTotalTimeout bounds one whole transfer. Expiry is a failure, not a
// cancel.
func WithTotalTimeout(d time.Duration) Option {
	return func(m *Manager) { m.totalTimeout = d }
}

// WithTLSConfig sets the client TLS configuration for https URLs.
func WithTLSConfig(c *tls.Config) Option {
	return func(m *Manager) { m.tlsConfig = c }
}

// WithHTTPClient replaces the HTTP client; the connect timeout and TLS
// options are then ignored.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

type task struct {
	session string
	path    string
	url     string
	ctx     context.Context
	cancel  context.CancelFunc
}

// Manager runs downloads one at a time on a single worker goroutine that is
// created on first use and reused until Stop.
type Manager struct {
	events         chan<- Event
	client         *http.Client
	connectTimeout time.Duration
	totalTimeout   time.Duration
	tlsConfig      *tls.Config

	mu      sync.Mutex
	cond    *sync.Cond
	pending *task
	active  *task
	// running stays set until the terminal event has been handed over
	running *task
	exit    bool
	started bool
	done    chan struct{}
}

// NewManager returns a Manager delivering its events on events.
func NewManager(events chan<- Event, opts ...Option) *Manager {
	m := &Manager{
		events:         events,
		connectTimeout: DefaultConnectTimeout,
		totalTimeout:   DefaultTotalTimeout,
		done:           make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		dialer := &net.Dialer{Timeout: m.connectTimeout}
		m.client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSClientConfig:     m.tlsConfig,
				TLSHandshakeTimeout: m.connectTimeout,
			},
		}
	}
	return m
}

// StartDownload queues a transfer of url into path and returns its session
// id. Only one transfer may be queued or running at a time.
func (m *Manager) StartDownload(path, url string) (string, error) {
	const op = "download.Start"
	if path == "" || url == "" {
		return "", ota.Errorf(ota.ParamError, op, "path and url are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exit {
		return "", ota.Errorf(ota.StateError, op, "manager stopped")
	}
	if m.pending != nil || m.active != nil {
		return "", ota.Errorf(ota.StateError, op, "download already in progress")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{
		session: uuid.New().String(),
		path:    path,
		url:     url,
		ctx:     ctx,
		cancel:  cancel,
	}
	m.pending = t
	if !m.started {
		m.started = true
		go m.run()
	}
	m.cond.Signal()
	log.WithField("session", t.session).Infof("download queued: %s -> %s", url, path)
	return t.session, nil
}

// Busy reports whether a transfer is queued or running.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil || m.active != nil
}

// Stop cancels any transfer and waits for the worker to exit. No event is
// delivered after Stop returns. Stop may be called more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.exit {
		m.exit = true
		for _, t := range []*task{m.pending, m.active, m.running} {
			if t != nil {
				t.cancel()
			}
		}
		m.pending = nil
		m.cond.Broadcast()
	}
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for m.pending == nil && !m.exit {
			m.cond.Wait()
		}
		if m.exit {
			m.mu.Unlock()
			return
		}
		t := m.pending
		m.pending = nil
		m.active = t
		m.running = t
		m.mu.Unlock()

		ev, ok := m.transfer(t)

		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()

		if ok {
			m.emit(t, ev)
		}

		m.mu.Lock()
		m.running = nil
		m.mu.Unlock()
		t.cancel()
	}
}

// emit hands ev to the consumer unless the session has been cancelled.
func (m *Manager) emit(t *task, ev Event) bool {
	select {
	case <-t.ctx.Done():
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// throttle decides which intermediate percentages are delivered.
type throttle struct {
	last int
}

func (th *throttle) allow(percent int) bool {
	// completion is carried only by the terminal event
	if percent >= 100 {
		return false
	}
	if percent-th.last < ProgressStep {
		return false
	}
	th.last = percent
	return true
}

func percentOf(done, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(done * 100 / total)
}

// transfer runs one session. It returns the terminal event, or false when
// the session was cancelled.
func (m *Manager) transfer(t *task) (Event, bool) {
	logger := log.WithField("session", t.session)
	base := Event{Session: t.session, Path: t.path}

	ctx, cancel := context.WithTimeout(t.ctx, m.totalTimeout)
	defer cancel()

	err := m.fetch(ctx, t, base)
	if t.ctx.Err() != nil {
		logger.Infof("download cancelled")
		return Event{}, false
	}
	if err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if rerr := os.Remove(t.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			result = multierror.Append(result, rerr)
		}
		logger.Errorf("download failed: %v", result.ErrorOrNil())
		base.Status = ota.StatusDownloadFail
		base.Reason = err.Error()
		return base, true
	}
	logger.Infof("download complete: %s", t.path)
	base.Status = ota.StatusDownloadSuccess
	base.Percent = 100
	return base, true
}

func (m *Manager) fetch(ctx context.Context, t *task, base Event) (err error) {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", t.path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close %s: %w", t.path, cerr)
		}
	}()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", t.path, err)
	}
	offset := st.Size()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if offset > 0 {
			log.WithField("session", t.session).Warnf("server ignored range request, restarting from 0")
			if err := f.Truncate(0); err != nil {
				return fmt.Errorf("failed to truncate %s: %w", t.path, err)
			}
			offset = 0
		}
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total >= 0 {
		total += offset
	}
	var (
		th         = throttle{last: percentOf(offset, total)}
		downloaded = offset
		buf        = make([]byte, bufferSize)
	)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write %s: %w", t.path, err)
			}
			downloaded += int64(n)
			if p := percentOf(downloaded, total); th.allow(p) {
				ev := base
				ev.Status = ota.StatusDownloadOn
				ev.Percent = p
				if !m.emit(t, ev) {
					return context.Canceled
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read response: %w", rerr)
		}
	}
	if total >= 0 && downloaded != total {
		return fmt.Errorf("size mismatch: got %d bytes, expected %d bytes", downloaded, total)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", t.path, err)
	}
	return nil
}
