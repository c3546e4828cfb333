// Package report publishes engine progress and the running version to the
// device cloud over MQTT.
package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iot-go-sdk/otaengine/pkg/ota"
)

// Step codes understood by the cloud for failed phases. Successful steps
// carry the percentage.
const (
	StepUpgradeFailed  = -1
	StepDownloadFailed = -2
	StepVerifyFailed   = -3
	StepBurnFailed     = -4
)

const queueSize = 32

// Publisher sends one MQTT message. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Subscriber registers a topic handler. *mqtt.Client implements it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
}

func ProgressTopic(productKey, deviceName string) string {
	return fmt.Sprintf("/ota/device/progress/%s/%s", productKey, deviceName)
}

func InformTopic(productKey, deviceName string) string {
	return fmt.Sprintf("/ota/device/inform/%s/%s", productKey, deviceName)
}

func UpgradeTopic(productKey, deviceName string) string {
	return fmt.Sprintf("/ota/device/upgrade/%s/%s", productKey, deviceName)
}

type message struct {
	ID     string      `json:"id"`
	Params interface{} `json:"params"`
}

type progressParams struct {
	Step     string `json:"step"`
	Desc     string `json:"desc"`
	Progress int    `json:"progress"`
	Module   string `json:"module,omitempty"`
}

type informParams struct {
	Version string `json:"version"`
	Module  string `json:"module,omitempty"`
}

// Reporter forwards engine notifications to the progress topic. It
// implements engine.Listener; publishing happens on its own goroutine so the
// engine is never blocked by the network.
type Reporter struct {
	pub        Publisher
	productKey string
	deviceName string
	module     string

	queue chan progressParams
	done  chan struct{}
	once  sync.Once
}

// New starts a reporter for the device identified by productKey and
// deviceName. module may be empty.
func New(pub Publisher, productKey, deviceName, module string) *Reporter {
	r := &Reporter{
		pub:        pub,
		productKey: productKey,
		deviceName: deviceName,
		module:     module,
		queue:      make(chan progressParams, queueSize),
		done:       make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for p := range r.queue {
		if err := r.publish(ProgressTopic(r.productKey, r.deviceName), p); err != nil {
			log.Errorf("failed to report progress %s: %v", p.Step, err)
		}
	}
}

func (r *Reporter) publish(topic string, params interface{}) error {
	data, err := json.Marshal(message{
		ID:     strconv.FormatInt(time.Now().UnixNano(), 10),
		Params: params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return r.pub.Publish(topic, data, 0, false)
}

func (r *Reporter) enqueue(p progressParams) {
	p.Module = r.module
	select {
	case r.queue <- p:
	default:
		log.Warnf("report queue full, dropping step %s", p.Step)
	}
}

func (r *Reporter) OnCheckVersionDone(info ota.VersionInfo) {
	if first, ok := info.First(); ok && info.Status == ota.HasNewVersion {
		log.Infof("new version %s available (%d bytes)", first.VersionName, first.Size)
	}
}

func (r *Reporter) OnDownloadProgress(p ota.Progress) {
	switch p.Status {
	case ota.StatusDownloadOn:
		r.enqueue(progressParams{Step: strconv.Itoa(p.Percent), Desc: "Downloading", Progress: p.Percent})
	case ota.StatusDownloadSuccess:
		r.enqueue(progressParams{Step: "100", Desc: "Download completed", Progress: 100})
	case ota.StatusDownloadFail:
		r.enqueue(failed(StepDownloadFailed, "Download failed", p))
	case ota.StatusVerifyFail:
		r.enqueue(failed(StepVerifyFailed, "Verify failed", p))
	}
}

func (r *Reporter) OnUpgradeProgress(p ota.Progress) {
	switch p.Status {
	case ota.StatusInstallFail:
		r.enqueue(failed(StepBurnFailed, "Burn failed", p))
	case ota.StatusInstallSuccess:
		r.enqueue(progressParams{Step: "100", Desc: "Rebooting to install", Progress: 100})
	}
}

func failed(step int, desc string, p ota.Progress) progressParams {
	if p.EndReason != "" {
		desc = desc + ": " + p.EndReason
	}
	return progressParams{Step: strconv.Itoa(step), Desc: desc, Progress: step}
}

// ReportVersion publishes the running version on the inform topic.
func (r *Reporter) ReportVersion(version string) error {
	if err := r.publish(InformTopic(r.productKey, r.deviceName), informParams{Version: version, Module: r.module}); err != nil {
		return fmt.Errorf("failed to publish version report: %w", err)
	}
	log.Infof("reported version: %s", version)
	return nil
}

// Close flushes queued reports and stops the publishing goroutine. The
// reporter must be unregistered from the engine first.
func (r *Reporter) Close() {
	r.once.Do(func() {
		close(r.queue)
	})
	<-r.done
}

// WatchUpgrade calls notify whenever the cloud pushes an upgrade task for
// the device. The task content is ignored; the version server stays the
// source of truth.
func WatchUpgrade(sub Subscriber, productKey, deviceName string, notify func()) error {
	topic := UpgradeTopic(productKey, deviceName)
	return sub.Subscribe(topic, 0, func(topic string, payload []byte) {
		log.Infof("upgrade notice on %s", topic)
		notify()
	})
}
