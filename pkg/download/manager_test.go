package download

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-go-sdk/otaengine/pkg/ota"
)

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func contentServer(t *testing.T, data []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	requests := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.ServeContent(w, r, "pkg", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

// collect reads events until the terminal one.
func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	for {
		select {
		case ev := <-events:
			got = append(got, ev)
			if ev.Terminal() {
				return got
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for download events")
		}
	}
}

func assertThrottled(t *testing.T, evs []Event) {
	t.Helper()
	last := -ProgressStep
	for _, ev := range evs[:len(evs)-1] {
		assert.Equal(t, ota.StatusDownloadOn, ev.Status)
		assert.Less(t, ev.Percent, 100)
		assert.GreaterOrEqual(t, ev.Percent-last, ProgressStep)
		last = ev.Percent
	}
}

func TestDownloadComplete(t *testing.T) {
	data := payload(1 << 20)
	srv, _ := contentServer(t, data)
	events := make(chan Event, 64)
	m := NewManager(events)
	defer m.Stop()

	path := filepath.Join(t.TempDir(), "pkg.part")
	session, err := m.StartDownload(path, srv.URL+"/pkg")
	require.NoError(t, err)
	require.NotEmpty(t, session)

	evs := collect(t, events)
	last := evs[len(evs)-1]
	assert.Equal(t, ota.StatusDownloadSuccess, last.Status)
	assert.Equal(t, 100, last.Percent)
	assert.Equal(t, path, last.Path)
	assertThrottled(t, evs)
	for _, ev := range evs {
		assert.Equal(t, session, ev.Session)
	}

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, m.Busy())
}

func TestDownloadResume(t *testing.T) {
	data := payload(1 << 20)
	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "pkg", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pkg.part")
	half := len(data) / 2
	require.NoError(t, os.WriteFile(path, data[:half], 0644))

	events := make(chan Event, 64)
	m := NewManager(events)
	defer m.Stop()
	_, err := m.StartDownload(path, srv.URL)
	require.NoError(t, err)

	evs := collect(t, events)
	assert.Equal(t, ota.StatusDownloadSuccess, evs[len(evs)-1].Status)
	for _, ev := range evs[:len(evs)-1] {
		assert.GreaterOrEqual(t, ev.Percent, 55)
	}
	mu.Lock()
	assert.Equal(t, []string{"bytes=" + strconv.Itoa(half) + "-"}, ranges)
	mu.Unlock()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadRangeIgnored(t *testing.T) {
	data := payload(64 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pkg.part")
	require.NoError(t, os.WriteFile(path, []byte("stale partial content"), 0644))

	events := make(chan Event, 64)
	m := NewManager(events)
	defer m.Stop()
	_, err := m.StartDownload(path, srv.URL)
	require.NoError(t, err)

	evs := collect(t, events)
	assert.Equal(t, ota.StatusDownloadSuccess, evs[len(evs)-1].Status)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pkg.part")
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0644))

	events := make(chan Event, 64)
	m := NewManager(events)
	defer m.Stop()
	_, err := m.StartDownload(path, srv.URL)
	require.NoError(t, err)

	evs := collect(t, events)
	require.Len(t, evs, 1)
	assert.Equal(t, ota.StatusDownloadFail, evs[0].Status)
	assert.Contains(t, evs[0].Reason, "404")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "partial file is removed on failure")
}

func TestDownloadTruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.Write(payload(1000))
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "pkg.part")
	events := make(chan Event, 64)
	m := NewManager(events)
	defer m.Stop()
	_, err := m.StartDownload(path, srv.URL)
	require.NoError(t, err)

	evs := collect(t, events)
	assert.Equal(t, ota.StatusDownloadFail, evs[len(evs)-1].Status)
	assert.NotEmpty(t, evs[len(evs)-1].Reason)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// stallServer sends a tenth of the content and then hangs until the client
// goes away.
func stallServer(t *testing.T, size int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.Write(payload(size / 10))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStopCancelsSilently(t *testing.T) {
	srv := stallServer(t, 1<<20)
	path := filepath.Join(t.TempDir(), "pkg.part")

	events := make(chan Event, 64)
	m := NewManager(events)
	_, err := m.StartDownload(path, srv.URL)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, ota.StatusDownloadOn, ev.Status)
		assert.GreaterOrEqual(t, ev.Percent, ProgressStep)
	case <-time.After(10 * time.Second):
		t.Fatal("no progress before cancel")
	}

	m.Stop()
	m.Stop()
	select {
	case ev := <-events:
		t.Fatalf("event after Stop: %+v", ev)
	default:
	}

	// the partial file is kept for a later resume
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, st.Size())
	assert.LessOrEqual(t, st.Size(), int64(1<<20/10))

	_, err = m.StartDownload(path, srv.URL)
	assert.Equal(t, ota.StateError, ota.KindOf(err))
}

func TestTotalTimeoutFails(t *testing.T) {
	srv := stallServer(t, 1<<20)
	path := filepath.Join(t.TempDir(), "pkg.part")

	events := make(chan Event, 64)
	m := NewManager(events, WithTotalTimeout(300*time.Millisecond))
	defer m.Stop()
	_, err := m.StartDownload(path, srv.URL)
	require.NoError(t, err)

	evs := collect(t, events)
	assert.Equal(t, ota.StatusDownloadFail, evs[len(evs)-1].Status)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSingleFlight(t *testing.T) {
	srv := stallServer(t, 1<<20)
	events := make(chan Event, 64)
	m := NewManager(events)
	defer m.Stop()

	_, err := m.StartDownload(filepath.Join(t.TempDir(), "a"), srv.URL)
	require.NoError(t, err)
	assert.True(t, m.Busy())

	_, err = m.StartDownload(filepath.Join(t.TempDir(), "b"), srv.URL)
	assert.Equal(t, ota.StateError, ota.KindOf(err))
}

func TestStartDownloadParams(t *testing.T) {
	m := NewManager(make(chan Event, 1))
	defer m.Stop()

	_, err := m.StartDownload("", "http://localhost/pkg")
	assert.Equal(t, ota.ParamError, ota.KindOf(err))
	_, err = m.StartDownload("/tmp/x", "")
	assert.Equal(t, ota.ParamError, ota.KindOf(err))
}

func TestWorkerReused(t *testing.T) {
	data := payload(200 * 1024)
	srv, requests := contentServer(t, data)
	events := make(chan Event, 64)
	m := NewManager(events)
	defer m.Stop()

	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, "pkg"+strconv.Itoa(i))
		session, err := m.StartDownload(path, srv.URL)
		require.NoError(t, err)
		evs := collect(t, events)
		assert.Equal(t, session, evs[len(evs)-1].Session)
		assert.Equal(t, ota.StatusDownloadSuccess, evs[len(evs)-1].Status)
	}
	assert.Equal(t, int32(3), requests.Load())
}

func TestStopWithoutStart(t *testing.T) {
	m := NewManager(make(chan Event))
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a worker")
	}
}

func TestThrottle(t *testing.T) {
	th := throttle{}
	var delivered []int
	for _, p := range []int{1, 4, 5, 7, 9, 10, 16, 50, 99, 100, 100} {
		if th.allow(p) {
			delivered = append(delivered, p)
		}
	}
	assert.Equal(t, []int{5, 10, 16, 50, 99}, delivered)
}
