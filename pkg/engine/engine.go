// Package engine drives an update through version check, download,
// verification and installation.
//
// An Engine is a state machine over ota.UpgradeStatus:
//
//	Init -> CheckVersionOn -> CheckVersionFail | CheckVersionSuccess
//	     -> DownloadOn -> DownloadFail | DownloadCancel | VerifyOn
//	     -> VerifyFail | VerifySuccess
//	     -> InstallOn -> InstallFail | InstallSuccess
//
// Failed phases are terminal; the caller retries by invoking the phase again.
// Listener notifications are delivered from a single event goroutine that
// drains both download events and the notices queued by the operations.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/iot-go-sdk/otaengine/pkg/checker"
	"github.com/iot-go-sdk/otaengine/pkg/config"
	"github.com/iot-go-sdk/otaengine/pkg/download"
	"github.com/iot-go-sdk/otaengine/pkg/event"
	"github.com/iot-go-sdk/otaengine/pkg/misc"
	"github.com/iot-go-sdk/otaengine/pkg/ota"
	"github.com/iot-go-sdk/otaengine/pkg/pkgcodec"
	"github.com/iot-go-sdk/otaengine/pkg/tlsutil"
	"github.com/iot-go-sdk/otaengine/pkg/version"
)

const (
	eventSource = "engine"

	reasonOldVersion   = "Update package version earlier than the local version"
	reasonVerifyFailed = "Upgrade package verify Failed"

	genKey = "gen"
)

// ServiceDownload selects the download phase in Cancel.
const ServiceDownload = 0

// Option configures an Engine
type Option func(*Engine)

// WithChecker replaces the TLS version checker.
func WithChecker(c checker.Checker) Option {
	return func(e *Engine) { e.checker = c }
}

// WithRebooter replaces the rebooter. Without it the engine reboots through
// the kernel, or records the request when the config selects dry run.
func WithRebooter(r misc.Rebooter) Option {
	return func(e *Engine) { e.rebooter = r }
}

// WithVersionProvider replaces the build id source.
func WithVersionProvider(p version.Provider) Option {
	return func(e *Engine) { e.versions = p }
}

// WithDownloadOptions adds options for the download manager.
func WithDownloadOptions(opts ...download.Option) Option {
	return func(e *Engine) { e.dlOpts = append(e.dlOpts, opts...) }
}

// downloadJob is the package a download session is fetching
type downloadJob struct {
	result ota.CheckResult
	digest []byte
	temp   string
	target string
}

// notice is a queued listener notification. Download notices carry the
// cancel generation they were produced in and are dropped once it is stale.
type notice struct {
	typ      event.EventType
	data     interface{}
	download bool
	gen      uint64
}

// Engine is the update orchestrator. Create one with New and release it
// with Close.
type Engine struct {
	cfg      *config.Config
	checker  checker.Checker
	rebooter misc.Rebooter
	versions version.Provider
	dlOpts   []download.Option
	bus      *event.Bus
	dryRun   bool

	mu          sync.Mutex
	status      ota.UpgradeStatus
	progress    ota.Progress
	versionInfo ota.VersionInfo
	policy      ota.UpdatePolicy
	uc          ota.UpdateContext
	checking    bool
	manager     *download.Manager
	session     string
	job         *downloadJob
	gen         uint64
	closed      bool

	// deliverMu is held while listeners run, so Cancel and
	// UnregisterCallback can wait out a delivery in flight.
	deliverMu sync.Mutex
	loopID    atomic.Uint64

	qmu   sync.Mutex
	queue []notice
	wake  chan struct{}

	events   chan download.Event
	quit     chan struct{}
	loopDone chan struct{}
	once     sync.Once
}

// New creates an engine for cfg and starts its event goroutine.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	const op = "engine.New"
	if cfg == nil {
		return nil, ota.Errorf(ota.ParamError, op, "nil config")
	}
	e := &Engine{
		cfg:      cfg,
		bus:      event.NewBus(),
		dryRun:   cfg.Engine.DryRun,
		wake:     make(chan struct{}, 1),
		events:   make(chan download.Event, 16),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		uc: ota.UpdateContext{
			UpgradeDevID: cfg.Device.UpgradeDevID,
			ControlDevID: cfg.Device.ControlDevID,
			Type:         cfg.Engine.Type,
			UpgradeFile:  cfg.Paths.UpgradeFile,
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.versions == nil {
		e.versions = version.NewFileProvider(cfg.Device.BuildIDFile, cfg.Device.BuildID)
	}
	if e.checker == nil {
		c, err := checker.NewFromConfig(cfg, e.versions)
		if err != nil {
			return nil, err
		}
		e.checker = c
	}
	if e.rebooter == nil {
		if e.dryRun {
			e.rebooter = &misc.DryRunRebooter{}
		} else {
			e.rebooter = misc.SyscallRebooter{}
		}
	}

	dlOpts := []download.Option{
		download.WithConnectTimeout(cfg.Server.ConnectTimeout),
		download.WithTotalTimeout(cfg.Server.DownloadTimeout),
	}
	if tlsConfig, err := tlsutil.NewClientConfig(cfg.TLS); err == nil {
		dlOpts = append(dlOpts, download.WithTLSConfig(tlsConfig))
	} else {
		log.Warnf("download TLS config unavailable, using defaults: %v", err)
	}
	e.dlOpts = append(dlOpts, e.dlOpts...)

	policy, err := loadPolicy(cfg.Paths.PolicyFile)
	if err != nil {
		log.Warnf("ignoring stored update policy: %v", err)
	}
	e.policy = policy

	go e.loop()
	log.Infof("update engine started (dry run: %v)", e.dryRun)
	return e, nil
}

// RegisterCallback sets the update context and subscribes l to engine
// notifications. It returns an id for UnregisterCallback.
func (e *Engine) RegisterCallback(uc ota.UpdateContext, l Listener) (string, error) {
	const op = "engine.RegisterCallback"
	if l == nil {
		return "", ota.Errorf(ota.ParamError, op, "nil listener")
	}
	if uc.UpgradeFile == "" {
		uc.UpgradeFile = e.cfg.Paths.UpgradeFile
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ota.Errorf(ota.StateError, op, "engine closed")
	}
	if e.busyLocked() {
		e.mu.Unlock()
		return "", ota.Errorf(ota.StateError, op, "update context is fixed while %s", e.status)
	}
	e.uc = uc
	e.mu.Unlock()

	id, err := e.bus.Subscribe(e.listenerHandler(l), listenerEvents...)
	if err != nil {
		return "", ota.E(ota.ParamError, op, err)
	}
	log.Infof("listener %s registered for %s/%s", id, uc.UpgradeDevID, uc.Type)
	return id, nil
}

// UnregisterCallback removes a listener added by RegisterCallback. Called
// from outside a listener it returns once no call to the removed listener is
// running.
func (e *Engine) UnregisterCallback(id string) error {
	if !e.bus.Unsubscribe(id) {
		return ota.Errorf(ota.ParamError, "engine.UnregisterCallback", "unknown listener %q", id)
	}
	e.waitDelivery()
	return nil
}

// waitDelivery blocks until the listener call in flight returns. On the event
// goroutine, that is from inside a listener, it returns at once.
func (e *Engine) waitDelivery() {
	if goid() == e.loopID.Load() {
		return
	}
	e.deliverMu.Lock()
	e.deliverMu.Unlock()
}

// busyLocked reports whether a phase is running.
func (e *Engine) busyLocked() bool {
	if e.checking || e.session != "" {
		return true
	}
	switch e.status {
	case ota.StatusDownloadOn, ota.StatusVerifyOn, ota.StatusInstallOn:
		return true
	}
	return false
}

// CheckNewVersion queries the update server and stores the result. The
// OnCheckVersionDone notification is delivered whatever the outcome.
func (e *Engine) CheckNewVersion(ctx context.Context) error {
	const op = "engine.CheckNewVersion"

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "engine closed")
	}
	if e.busyLocked() {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "cannot check while %s", e.status)
	}
	e.checking = true
	e.status = ota.StatusCheckVersionOn
	e.mu.Unlock()

	info, err := e.checker.Check(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.checking = false
	e.versionInfo = info.Clone()

	switch {
	case err != nil:
		e.status = ota.StatusCheckVersionFail
		if ota.KindOf(err) == ota.KindUnknown {
			err = ota.E(ota.NetworkError, op, err)
		}
	case info.Status == ota.ServerBusy:
		e.status = ota.StatusCheckVersionFail
		err = ota.Errorf(ota.NetworkError, op, "server busy: %s", info.ErrMsg)
	case info.Status == ota.SystemError:
		e.status = ota.StatusCheckVersionFail
		err = ota.Errorf(ota.ProtocolError, op, "server error: %s", info.ErrMsg)
	default:
		e.status = ota.StatusCheckVersionSuccess
	}
	log.Infof("version check finished: %s, %s", e.status, info.Status)
	e.enqueue(notice{typ: event.EventCheckVersionDone, data: info.Clone()})
	return err
}

// DownloadVersion fetches the package announced by the last version check
// and verifies it. Completion is reported through OnDownloadProgress.
func (e *Engine) DownloadVersion() error {
	const op = "engine.DownloadVersion"

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "engine closed")
	}
	if e.busyLocked() {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "download not possible while %s", e.status)
	}
	if e.status < ota.StatusCheckVersionSuccess {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "invalid status %s", e.status)
	}
	first, ok := e.versionInfo.First()
	if !ok || first.VerifyInfo == "" {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "invalid verify info")
	}
	digest, err := hex.DecodeString(first.VerifyInfo)
	if err != nil {
		e.mu.Unlock()
		return ota.Errorf(ota.ParamError, op, "verify info is not a hex digest: %v", err)
	}
	if err := os.MkdirAll(e.cfg.Paths.BaseDir, 0755); err != nil {
		e.mu.Unlock()
		return ota.E(ota.IOError, op, err)
	}

	job := &downloadJob{
		result: first,
		digest: digest,
		temp:   filepath.Join(e.cfg.Paths.BaseDir, first.VerifyInfo),
		target: e.uc.UpgradeFile,
	}
	gen := e.gen

	if st, err := os.Stat(job.temp); err == nil && first.Size > 0 && st.Size() == first.Size {
		log.Infof("package %s already complete, skipping download", job.temp)
		e.status = ota.StatusVerifyOn
		e.mu.Unlock()
		return e.finishDownload(gen, job)
	}

	if e.manager == nil {
		e.manager = download.NewManager(e.events, e.dlOpts...)
	}
	url := e.cfg.DownloadURL(first.DescriptPackageID)
	session, err := e.manager.StartDownload(job.temp, url)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.session = session
	e.job = job
	e.status = ota.StatusDownloadOn
	e.progress = ota.Progress{Status: ota.StatusDownloadOn}
	e.mu.Unlock()

	log.WithField("session", session).Infof("downloading %s (%d bytes)", url, first.Size)
	return nil
}

// handleDownloadEvent runs on the event goroutine.
func (e *Engine) handleDownloadEvent(ev download.Event) {
	e.mu.Lock()
	if ev.Session == "" || ev.Session != e.session {
		e.mu.Unlock()
		log.WithField("session", ev.Session).Debugf("dropping event of finished session")
		return
	}
	gen := e.gen

	if !ev.Terminal() {
		e.progress = ota.Progress{Percent: ev.Percent, Status: ota.StatusDownloadOn}
		e.enqueue(notice{typ: event.EventDownloadProgress, data: e.progress, download: true, gen: gen})
		e.mu.Unlock()
		return
	}

	job := e.job
	e.session = ""
	e.job = nil
	if ev.Status == ota.StatusDownloadFail {
		e.status = ota.StatusDownloadFail
		e.progress = ota.Progress{Percent: ev.Percent, Status: ota.StatusDownloadFail, EndReason: ev.Reason}
		e.enqueue(notice{typ: event.EventDownloadProgress, data: e.progress, download: true, gen: gen})
		e.mu.Unlock()
		return
	}
	e.status = ota.StatusVerifyOn
	e.mu.Unlock()

	if err := e.finishDownload(gen, job); err != nil {
		log.Errorf("downloaded package rejected: %v", err)
	}
}

// finishDownload moves a complete download into place and verifies it. The
// engine status must already be VerifyOn.
func (e *Engine) finishDownload(gen uint64, job *downloadJob) error {
	const op = "engine.DownloadVersion"

	p := ota.Progress{Percent: 100, Status: ota.StatusDownloadSuccess}
	final := ota.StatusVerifySuccess
	var err error

	if rerr := os.Rename(job.temp, job.target); rerr != nil {
		os.Remove(job.target)
		final = ota.StatusDownloadFail
		p.Status = ota.StatusDownloadFail
		p.EndReason = rerr.Error()
		err = ota.E(ota.IOError, op, rerr)
	} else if verr := e.verifyPackage(job); verr != nil {
		if rmErr := os.Remove(job.target); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Errorf("failed to remove rejected package: %v", rmErr)
		}
		final = ota.StatusVerifyFail
		p.Status = ota.StatusVerifyFail
		p.EndReason = reasonVerifyFailed
		if errors.Is(verr, errOldVersion) {
			p.EndReason = reasonOldVersion
		}
		err = ota.E(ota.VerificationError, op, verr)
	}

	e.mu.Lock()
	e.status = final
	e.progress = p
	e.enqueue(notice{typ: event.EventDownloadProgress, data: p, download: true, gen: gen})
	e.mu.Unlock()

	log.Infof("download finished: %s (%s)", final, job.target)
	return err
}

var errOldVersion = errors.New("package version not newer than local build")

func (e *Engine) verifyPackage(job *downloadJob) error {
	local := e.versions.BuildID()
	if version.Compare(job.result.VersionCode, local) <= 0 {
		log.Errorf("version compare failed: local %q server %q", local, job.result.VersionCode)
		return errOldVersion
	}
	progress := func(r pkgcodec.Result, percent int) {
		log.Debugf("verify %s: %d%% (%d)", job.target, percent, r)
	}
	return pkgcodec.Verify(job.target, e.cfg.Paths.SigningCert, job.result.VersionCode, job.digest, progress)
}

// Cancel stops the active download of service, which must be
// ServiceDownload. No download notification starts after Cancel returns. It
// may be called from a listener, including OnDownloadProgress.
func (e *Engine) Cancel(service int) error {
	const op = "engine.Cancel"
	if service != ServiceDownload {
		return ota.Errorf(ota.ParamError, op, "unknown service %d", service)
	}

	e.mu.Lock()
	if e.session == "" || e.status != ota.StatusDownloadOn {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "no download in progress")
	}
	session := e.session
	m := e.manager
	e.manager = nil
	e.session = ""
	e.job = nil
	e.gen++
	e.status = ota.StatusDownloadCancel
	e.progress = ota.Progress{Percent: e.progress.Percent, Status: ota.StatusDownloadCancel}
	e.mu.Unlock()

	m.Stop()
	e.waitDelivery()

	log.WithField("session", session).Info("download cancelled")
	return nil
}

// DoUpdate records the install instruction in the misc partition and
// reboots into the updater. It may be retried after an install failure,
// since the verified package stays in place. In dry run mode it returns once the instruction
// is written. Otherwise it does not return while the engine is open; if the
// engine is closed before the reboot takes effect it returns a
// FatalPendingReboot error.
func (e *Engine) DoUpdate() error {
	const op = "engine.DoUpdate"

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "engine closed")
	}
	switch e.status {
	case ota.StatusDownloadSuccess, ota.StatusVerifySuccess, ota.StatusInstallFail:
	default:
		e.mu.Unlock()
		return ota.Errorf(ota.StateError, op, "invalid status %s", e.status)
	}
	target := e.uc.UpgradeFile
	e.status = ota.StatusInstallOn
	e.progress = ota.Progress{Percent: 1, Status: ota.StatusInstallOn}
	e.enqueue(notice{typ: event.EventUpgradeProgress, data: e.progress})
	e.mu.Unlock()

	err := misc.RebootAndInstallUpgradePackage(e.rebooter, e.cfg.Paths.MiscDevice, target)

	e.mu.Lock()
	if err != nil {
		e.status = ota.StatusInstallFail
		e.progress = ota.Progress{Percent: 1, Status: ota.StatusInstallFail, EndReason: err.Error()}
		e.enqueue(notice{typ: event.EventUpgradeProgress, data: e.progress})
		e.mu.Unlock()
		return ota.E(ota.IOError, op, err)
	}
	e.status = ota.StatusInstallSuccess
	e.progress = ota.Progress{Percent: 100, Status: ota.StatusInstallSuccess}
	e.enqueue(notice{typ: event.EventUpgradeProgress, data: e.progress})
	e.mu.Unlock()

	if e.dryRun {
		return nil
	}
	log.Warn("reboot requested, waiting for the system to go down")
	<-e.quit
	return ota.Errorf(ota.FatalPendingReboot, op, "engine closed before reboot")
}

// RebootAndInstall writes an install instruction for pkg to miscFile and
// reboots, independent of the state machine.
func (e *Engine) RebootAndInstall(miscFile, pkg string) error {
	if miscFile == "" {
		miscFile = e.cfg.Paths.MiscDevice
	}
	return misc.RebootAndInstallUpgradePackage(e.rebooter, miscFile, pkg)
}

// RebootAndClean writes cmd to miscFile and reboots into the updater.
func (e *Engine) RebootAndClean(miscFile, cmd string) error {
	if miscFile == "" {
		miscFile = e.cfg.Paths.MiscDevice
	}
	return misc.RebootAndCleanUserData(e.rebooter, miscFile, cmd)
}

// GetNewVersion returns the result of the last version check.
func (e *Engine) GetNewVersion() ota.VersionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.versionInfo.Clone()
}

// GetUpgradeStatus returns the progress last reported for the running or
// finished phase.
func (e *Engine) GetUpgradeStatus() ota.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Status returns the state machine position.
func (e *Engine) Status() ota.UpgradeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// UpdateContext returns the context set by RegisterCallback.
func (e *Engine) UpdateContext() ota.UpdateContext {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uc
}

// Close stops any download and the event goroutine. Pending notifications
// are dropped.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		m := e.manager
		e.manager = nil
		e.session = ""
		e.gen++
		e.mu.Unlock()

		if m != nil {
			m.Stop()
		}
		close(e.quit)
		<-e.loopDone
		e.bus.Clear()
		log.Info("update engine closed")
	})
	return nil
}

// enqueue adds n to the notification queue. It never blocks.
func (e *Engine) enqueue(n notice) {
	e.qmu.Lock()
	e.queue = append(e.queue, n)
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dequeue() (notice, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if len(e.queue) == 0 {
		return notice{}, false
	}
	n := e.queue[0]
	e.queue = e.queue[1:]
	return n, true
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	e.loopID.Store(goid())
	for {
		select {
		case ev := <-e.events:
			e.handleDownloadEvent(ev)
		case <-e.wake:
		case <-e.quit:
			return
		}
		e.drain()
	}
}

func (e *Engine) drain() {
	for {
		select {
		case <-e.quit:
			return
		default:
		}
		n, ok := e.dequeue()
		if !ok {
			return
		}
		e.deliver(n)
	}
}

func (e *Engine) deliver(n notice) {
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()

	if n.download && e.stale(n.gen) {
		return
	}

	ev := event.NewEvent(n.typ, eventSource, n.data)
	if n.download {
		ev.WithMetadata(genKey, n.gen)
	}
	if err := e.bus.Publish(ev); err != nil {
		log.Warnf("listener failed on %s: %v", n.typ, err)
	}
}

// stale reports whether a download notice of generation gen was overtaken by
// Cancel or Close.
func (e *Engine) stale(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen != e.gen
}

