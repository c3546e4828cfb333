package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-go-sdk/otaengine/internal/testutil"
	"github.com/iot-go-sdk/otaengine/pkg/config"
	"github.com/iot-go-sdk/otaengine/pkg/misc"
	"github.com/iot-go-sdk/otaengine/pkg/ota"
	"github.com/iot-go-sdk/otaengine/pkg/pkgcodec"
	"github.com/iot-go-sdk/otaengine/pkg/version"
)

const waitTimeout = 10 * time.Second

type fakeChecker struct {
	mu    sync.Mutex
	info  ota.VersionInfo
	err   error
	calls int
}

func (f *fakeChecker) set(info ota.VersionInfo, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
	f.err = err
}

func (f *fakeChecker) Check(ctx context.Context) (ota.VersionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.info.Clone(), f.err
}

type recorder struct {
	mu        sync.Mutex
	downloads []ota.Progress

	check    chan ota.VersionInfo
	download chan ota.Progress
	upgrade  chan ota.Progress
}

func newRecorder() *recorder {
	return &recorder{
		check:    make(chan ota.VersionInfo, 16),
		download: make(chan ota.Progress, 256),
		upgrade:  make(chan ota.Progress, 16),
	}
}

func (r *recorder) OnCheckVersionDone(info ota.VersionInfo) { r.check <- info }

func (r *recorder) OnDownloadProgress(p ota.Progress) {
	r.mu.Lock()
	r.downloads = append(r.downloads, p)
	r.mu.Unlock()
	r.download <- p
}

func (r *recorder) OnUpgradeProgress(p ota.Progress) { r.upgrade <- p }

func (r *recorder) downloadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.downloads)
}

func (r *recorder) waitCheck(t *testing.T) ota.VersionInfo {
	t.Helper()
	select {
	case info := <-r.check:
		return info
	case <-time.After(waitTimeout):
		t.Fatal("no check notification")
	}
	return ota.VersionInfo{}
}

// waitDownload returns the intermediate progress and the final notification
// of a download.
func (r *recorder) waitDownload(t *testing.T) ([]ota.Progress, ota.Progress) {
	t.Helper()
	var steps []ota.Progress
	for {
		select {
		case p := <-r.download:
			if p.Status != ota.StatusDownloadOn {
				return steps, p
			}
			steps = append(steps, p)
		case <-time.After(waitTimeout):
			t.Fatal("download did not finish")
		}
	}
}

func (r *recorder) waitUpgrade(t *testing.T) ota.Progress {
	t.Helper()
	select {
	case p := <-r.upgrade:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("no upgrade notification")
	}
	return ota.Progress{}
}

type harness struct {
	cfg      *config.Config
	checker  *fakeChecker
	rebooter *misc.DryRunRebooter
	rec      *recorder
	pkg      []byte
	digest   string
	requests atomic.Int32

	mu   sync.Mutex
	body []byte
}

func (h *harness) serve(body []byte) {
	h.mu.Lock()
	h.body = body
	h.mu.Unlock()
}

// offer makes the checker announce the built package as version code.
func (h *harness) offer(code string) {
	h.checker.set(ota.VersionInfo{
		Status: ota.HasNewVersion,
		Results: []ota.CheckResult{{
			VersionName:       "OTA " + code,
			VersionCode:       code,
			VerifyInfo:        h.digest,
			Size:              int64(len(h.pkg)),
			DescriptPackageID: "pkg-1",
		}},
		Descriptions: []ota.DescriptInfo{{DescriptPackageID: "pkg-1", Content: "fixes"}},
	}, nil)
}

func (h *harness) tempFile() string {
	return filepath.Join(h.cfg.Paths.BaseDir, h.digest)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	kp := testutil.NewRSAKeyPair(t, 2048)

	comp := filepath.Join(dir, "system.img")
	require.NoError(t, os.WriteFile(comp, bytes.Repeat([]byte("system image "), 20000), 0644))
	src := filepath.Join(dir, "src.zip")
	require.NoError(t, pkgcodec.Build(&pkgcodec.PkgInfo{PkgType: pkgcodec.PkgTypeZip},
		[]pkgcodec.ComponentInfo{{Path: comp, Identity: "system.img"}}, src, kp.KeyPath))
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	sum := sha256.Sum256(data)

	h := &harness{
		checker:  &fakeChecker{},
		rebooter: &misc.DryRunRebooter{},
		rec:      newRecorder(),
		pkg:      data,
		digest:   hex.EncodeToString(sum[:]),
		body:     data,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pkg-1", func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		h.mu.Lock()
		body := h.body
		h.mu.Unlock()
		http.ServeContent(w, r, "pkg", time.Time{}, bytes.NewReader(body))
	})
	mux.HandleFunc("/stall", func(w http.ResponseWriter, r *http.Request) {
		h.requests.Add(1)
		w.Header().Set("Content-Length", "1048576")
		w.Write(make([]byte, 1<<17))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.NewConfig()
	cfg.Server.IP = "127.0.0.1"
	cfg.Server.DownloadBaseURL = srv.URL
	cfg.Paths.BaseDir = filepath.Join(dir, "upd")
	cfg.Paths.UpgradeFile = filepath.Join(dir, "upd", "updater.zip")
	cfg.Paths.MiscDevice = filepath.Join(dir, "misc")
	cfg.Paths.SigningCert = kp.CertPath
	cfg.Paths.PolicyFile = filepath.Join(dir, "policy.yaml")
	cfg.TLS.SkipVerify = true
	cfg.Engine.DryRun = true
	h.cfg = cfg
	return h
}

func (h *harness) start(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithChecker(h.checker),
		WithRebooter(h.rebooter),
		WithVersionProvider(version.Static("1.0.3")),
	}, opts...)
	e, err := New(h.cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	_, err = e.RegisterCallback(ota.UpdateContext{UpgradeDevID: "dev-1", Type: "ota"}, h.rec)
	require.NoError(t, err)
	return e
}

// downloaded runs check and download and expects a verified package.
func (h *harness) downloaded(t *testing.T, e *Engine) {
	t.Helper()
	h.offer("1.0.5")
	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())
	_, final := h.rec.waitDownload(t)
	require.Equal(t, ota.StatusDownloadSuccess, final.Status)
}

func TestFullUpdate(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	h.offer("1.0.5")

	require.NoError(t, e.CheckNewVersion(context.Background()))
	info := h.rec.waitCheck(t)
	assert.Equal(t, ota.HasNewVersion, info.Status)
	assert.Equal(t, ota.StatusCheckVersionSuccess, e.Status())
	assert.Equal(t, "1.0.5", e.GetNewVersion().Results[0].VersionCode)

	require.NoError(t, e.DownloadVersion())
	steps, final := h.rec.waitDownload(t)
	assert.Equal(t, ota.Progress{Percent: 100, Status: ota.StatusDownloadSuccess}, final)
	last := 0
	for _, p := range steps {
		assert.Less(t, p.Percent, 100)
		assert.Greater(t, p.Percent, last)
		last = p.Percent
	}
	assert.Equal(t, ota.StatusVerifySuccess, e.Status())
	assert.Equal(t, final, e.GetUpgradeStatus())

	got, err := os.ReadFile(h.cfg.Paths.UpgradeFile)
	require.NoError(t, err)
	assert.Equal(t, h.pkg, got)
	_, err = os.Stat(h.tempFile())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, e.DoUpdate())
	assert.Equal(t, ota.Progress{Percent: 1, Status: ota.StatusInstallOn}, h.rec.waitUpgrade(t))
	assert.Equal(t, ota.Progress{Percent: 100, Status: ota.StatusInstallSuccess}, h.rec.waitUpgrade(t))
	assert.Equal(t, ota.StatusInstallSuccess, e.Status())

	arg := misc.UpdatePackageArg + h.cfg.Paths.UpgradeFile
	msg, err := misc.ReadUpdaterMessage(h.cfg.Paths.MiscDevice)
	require.NoError(t, err)
	assert.Equal(t, misc.CommandBootUpdater, msg.CommandString())
	assert.Equal(t, arg, msg.UpdateString())
	assert.Equal(t, []string{arg}, h.rebooter.Requests())
}

func TestDownloadFastPath(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	h.offer("1.0.5")
	require.NoError(t, os.MkdirAll(h.cfg.Paths.BaseDir, 0755))
	require.NoError(t, os.WriteFile(h.tempFile(), h.pkg, 0644))

	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())
	assert.Equal(t, ota.StatusVerifySuccess, e.Status())

	steps, final := h.rec.waitDownload(t)
	assert.Empty(t, steps)
	assert.Equal(t, ota.StatusDownloadSuccess, final.Status)
	assert.Zero(t, h.requests.Load())
}

func TestVerifyFailureRemovesPackage(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	tampered := append([]byte(nil), h.pkg...)
	tampered[len(tampered)/2] ^= 0xff
	h.serve(tampered)
	h.offer("1.0.5")

	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())
	_, final := h.rec.waitDownload(t)
	assert.Equal(t, ota.StatusVerifyFail, final.Status)
	assert.Equal(t, reasonVerifyFailed, final.EndReason)
	assert.Equal(t, ota.StatusVerifyFail, e.Status())

	_, err := os.Stat(h.cfg.Paths.UpgradeFile)
	assert.True(t, os.IsNotExist(err))

	err = e.DoUpdate()
	assert.Equal(t, ota.StateError, ota.KindOf(err))
	assert.Empty(t, h.rebooter.Requests())
}

func TestOlderPackageRejected(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	h.offer("1.0.2")

	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())
	_, final := h.rec.waitDownload(t)
	assert.Equal(t, ota.StatusVerifyFail, final.Status)
	assert.Equal(t, reasonOldVersion, final.EndReason)
}

func TestDownloadFailure(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	h.offer("1.0.5")
	h.checker.info.Results[0].DescriptPackageID = "missing"

	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())
	_, final := h.rec.waitDownload(t)
	assert.Equal(t, ota.StatusDownloadFail, final.Status)
	assert.Contains(t, final.EndReason, "404")
	assert.Equal(t, ota.StatusDownloadFail, e.Status())

	// a failed phase can be retried
	h.offer("1.0.5")
	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())
	_, final = h.rec.waitDownload(t)
	assert.Equal(t, ota.StatusDownloadSuccess, final.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	h.offer("1.0.5")
	h.checker.info.Results[0].DescriptPackageID = "stall"

	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())

	select {
	case p := <-h.rec.download:
		assert.Equal(t, ota.StatusDownloadOn, p.Status)
	case <-time.After(waitTimeout):
		t.Fatal("no progress before cancel")
	}

	require.NoError(t, e.Cancel(ServiceDownload))
	assert.Equal(t, ota.StatusDownloadCancel, e.Status())
	assert.Equal(t, ota.StatusDownloadCancel, e.GetUpgradeStatus().Status)
	n := h.rec.downloadCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, n, h.rec.downloadCount(), "no download notification after Cancel")

	err := e.Cancel(ServiceDownload)
	assert.Equal(t, ota.StateError, ota.KindOf(err))

	st, err := os.Stat(h.tempFile())
	require.NoError(t, err, "partial download is kept for resume")
	assert.Positive(t, st.Size())
}

func TestCancelFromListener(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	h.offer("1.0.5")
	h.checker.info.Results[0].DescriptPackageID = "stall"

	cancelled := make(chan error, 1)
	_, err := e.RegisterCallback(ota.UpdateContext{UpgradeDevID: "dev-1", Type: "ota"}, ListenerFuncs{
		DownloadProgress: func(p ota.Progress) {
			if p.Status == ota.StatusDownloadOn {
				cancelled <- e.Cancel(ServiceDownload)
			}
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.CheckNewVersion(context.Background()))
	h.rec.waitCheck(t)
	require.NoError(t, e.DownloadVersion())

	select {
	case err := <-cancelled:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Cancel from a listener did not return")
	}
	assert.Equal(t, ota.StatusDownloadCancel, e.Status())

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Close blocked after cancelling from a listener")
	}
}

func TestUnregisterWaitsForListener(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	id, err := e.RegisterCallback(ota.UpdateContext{UpgradeDevID: "dev-1"}, ListenerFuncs{
		CheckVersionDone: func(ota.VersionInfo) {
			close(entered)
			<-release
		},
	})
	require.NoError(t, err)

	h.checker.set(ota.VersionInfo{Status: ota.NoNewVersion}, nil)
	require.NoError(t, e.CheckNewVersion(context.Background()))
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("listener not called")
	}

	done := make(chan error, 1)
	go func() { done <- e.UnregisterCallback(id) }()
	select {
	case <-done:
		t.Fatal("UnregisterCallback returned while the listener was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("UnregisterCallback did not return")
	}
}

func TestCheckOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		info   ota.VersionInfo
		err    error
		kind   ota.Kind
		status ota.UpgradeStatus
	}{
		{"no new version", ota.VersionInfo{Status: ota.NoNewVersion}, nil, ota.KindUnknown, ota.StatusCheckVersionSuccess},
		{"server busy", ota.VersionInfo{Status: ota.ServerBusy, ErrMsg: "busy"}, nil, ota.NetworkError, ota.StatusCheckVersionFail},
		{"system error", ota.VersionInfo{Status: ota.SystemError}, nil, ota.ProtocolError, ota.StatusCheckVersionFail},
		{"connect error", ota.VersionInfo{Status: ota.ServerBusy, ErrMsg: "Connect error"},
			ota.Errorf(ota.NetworkError, "checker.Check", "refused"), ota.NetworkError, ota.StatusCheckVersionFail},
		{"plain error", ota.VersionInfo{Status: ota.SystemError}, errors.New("boom"), ota.NetworkError, ota.StatusCheckVersionFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			e := h.start(t)
			h.checker.set(tt.info, tt.err)

			err := e.CheckNewVersion(context.Background())
			if tt.kind == ota.KindUnknown {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.kind, ota.KindOf(err))
			}
			assert.Equal(t, tt.status, e.Status())
			assert.Equal(t, tt.info.Status, h.rec.waitCheck(t).Status)
		})
	}
}

func TestPreconditions(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)

	assert.Equal(t, ota.StateError, ota.KindOf(e.DownloadVersion()))
	assert.Equal(t, ota.StateError, ota.KindOf(e.DoUpdate()))
	assert.Equal(t, ota.StateError, ota.KindOf(e.Cancel(ServiceDownload)))
	assert.Equal(t, ota.ParamError, ota.KindOf(e.Cancel(ServiceDownload+1)))
	assert.Equal(t, ota.StatusInit, e.Status())

	h.checker.set(ota.VersionInfo{Status: ota.NoNewVersion}, nil)
	require.NoError(t, e.CheckNewVersion(context.Background()))
	assert.Equal(t, ota.StateError, ota.KindOf(e.DownloadVersion()))

	h.offer("1.0.5")
	h.checker.info.Results[0].VerifyInfo = "../not-hex"
	require.NoError(t, e.CheckNewVersion(context.Background()))
	assert.Equal(t, ota.ParamError, ota.KindOf(e.DownloadVersion()))
	assert.Equal(t, ota.StatusCheckVersionSuccess, e.Status())
	assert.Zero(t, h.requests.Load())
}

func TestInstallFailure(t *testing.T) {
	h := newHarness(t)
	e := h.start(t, WithRebooter(misc.RebootFunc(func(string) error {
		return errors.New("permission denied")
	})))
	h.downloaded(t, e)

	err := e.DoUpdate()
	assert.Equal(t, ota.IOError, ota.KindOf(err))
	assert.Equal(t, ota.StatusInstallOn, h.rec.waitUpgrade(t).Status)
	assert.Equal(t, ota.StatusInstallFail, h.rec.waitUpgrade(t).Status)
	assert.Equal(t, ota.StatusInstallFail, e.Status())
}

func TestInstallRetry(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	e := h.start(t, WithRebooter(misc.RebootFunc(func(arg string) error {
		if calls.Add(1) == 1 {
			return errors.New("device busy")
		}
		return h.rebooter.Reboot(arg)
	})))
	h.downloaded(t, e)
	require.EqualValues(t, 1, h.requests.Load())

	assert.Equal(t, ota.IOError, ota.KindOf(e.DoUpdate()))
	assert.Equal(t, ota.StatusInstallFail, e.Status())
	h.rec.waitUpgrade(t)
	h.rec.waitUpgrade(t)

	require.NoError(t, e.DoUpdate())
	assert.Equal(t, ota.StatusInstallOn, h.rec.waitUpgrade(t).Status)
	assert.Equal(t, ota.StatusInstallSuccess, h.rec.waitUpgrade(t).Status)
	assert.Equal(t, ota.StatusInstallSuccess, e.Status())
	assert.EqualValues(t, 2, calls.Load())
	assert.Len(t, h.rebooter.Requests(), 1)
	assert.EqualValues(t, 1, h.requests.Load(), "retry reuses the verified package")

	msg, err := misc.ReadUpdaterMessage(h.cfg.Paths.MiscDevice)
	require.NoError(t, err)
	assert.Contains(t, msg.UpdateString(), h.cfg.Paths.UpgradeFile)
}

func TestDoUpdatePendingReboot(t *testing.T) {
	h := newHarness(t)
	h.cfg.Engine.DryRun = false
	e := h.start(t)
	h.downloaded(t, e)

	done := make(chan error, 1)
	go func() { done <- e.DoUpdate() }()

	assert.Equal(t, ota.StatusInstallOn, h.rec.waitUpgrade(t).Status)
	assert.Equal(t, ota.StatusInstallSuccess, h.rec.waitUpgrade(t).Status)
	select {
	case err := <-done:
		t.Fatalf("DoUpdate returned before close: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, e.Close())
	select {
	case err := <-done:
		assert.Equal(t, ota.FatalPendingReboot, ota.KindOf(err))
	case <-time.After(waitTimeout):
		t.Fatal("DoUpdate still blocked after Close")
	}
	assert.Len(t, h.rebooter.Requests(), 1)
}

func TestPolicyPersistence(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	assert.Equal(t, ota.UpdatePolicy{}, e.GetUpdatePolicy())

	p := ota.UpdatePolicy{
		AutoDownload:        true,
		Mode:                ota.InstallModeNight,
		AutoUpgradeInterval: [2]uint32{120, 300},
	}
	require.NoError(t, e.SetUpdatePolicy(p))
	assert.Equal(t, p, e.GetUpdatePolicy())
	require.NoError(t, e.Close())

	e2, err := New(h.cfg, WithChecker(h.checker), WithVersionProvider(version.Static("1.0.3")))
	require.NoError(t, err)
	defer e2.Close()
	assert.Equal(t, p, e2.GetUpdatePolicy())
}

func TestRegisterCallback(t *testing.T) {
	h := newHarness(t)
	e, err := New(h.cfg, WithChecker(h.checker), WithVersionProvider(version.Static("1.0.3")))
	require.NoError(t, err)
	defer e.Close()

	_, err = e.RegisterCallback(ota.UpdateContext{}, nil)
	assert.Equal(t, ota.ParamError, ota.KindOf(err))

	rec := newRecorder()
	id, err := e.RegisterCallback(ota.UpdateContext{UpgradeDevID: "dev-1"}, rec)
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Paths.UpgradeFile, e.UpdateContext().UpgradeFile)
	assert.Equal(t, "dev-1", e.UpdateContext().UpgradeDevID)

	h.checker.set(ota.VersionInfo{Status: ota.NoNewVersion}, nil)
	require.NoError(t, e.CheckNewVersion(context.Background()))
	rec.waitCheck(t)

	require.NoError(t, e.UnregisterCallback(id))
	assert.Equal(t, ota.ParamError, ota.KindOf(e.UnregisterCallback(id)))

	require.NoError(t, e.CheckNewVersion(context.Background()))
	select {
	case <-rec.check:
		t.Fatal("notification after unregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClosedEngine(t *testing.T) {
	h := newHarness(t)
	e := h.start(t)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.Equal(t, ota.StateError, ota.KindOf(e.CheckNewVersion(context.Background())))
	_, err := e.RegisterCallback(ota.UpdateContext{}, h.rec)
	assert.Equal(t, ota.StateError, ota.KindOf(err))
}

func TestGoid(t *testing.T) {
	id := goid()
	assert.NotZero(t, id)
	assert.Equal(t, id, goid())

	other := make(chan uint64)
	go func() { other <- goid() }()
	assert.NotEqual(t, id, <-other)
}
