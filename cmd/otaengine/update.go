package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iot-go-sdk/otaengine/pkg/engine"
	"github.com/iot-go-sdk/otaengine/pkg/mqtt"
	"github.com/iot-go-sdk/otaengine/pkg/ota"
	"github.com/iot-go-sdk/otaengine/pkg/report"
	"github.com/iot-go-sdk/otaengine/pkg/version"
)

var (
	downloadOnly  bool
	checkInterval time.Duration

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Query the update server for a new version",
		RunE:  checkFunc,
	}

	upgradeCmd = &cobra.Command{
		Use:   "upgrade",
		Short: "Check, download, verify and install a new version",
		RunE:  upgradeFunc,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the engine as a service driven by cloud notifications",
		RunE:  runFunc,
	}
)

func init() {
	upgradeCmd.Flags().BoolVar(&downloadOnly, "download-only", false, "stop after the package is downloaded and verified")
	runCmd.Flags().DurationVar(&checkInterval, "interval", 6*time.Hour, "period of unsolicited version checks, 0 disables them")
}

func newEngine(opts ...engine.Option) (*engine.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = append([]engine.Option{engine.WithRebooter(rebooter())}, opts...)
	return engine.New(cfg, opts...)
}

func checkFunc(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	checkErr := e.CheckNewVersion(ctx)
	out, err := json.MarshalIndent(e.GetNewVersion(), "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(out))
	return checkErr
}

// waiter turns engine notifications into channels for the one shot commands.
type waiter struct {
	download chan ota.Progress
	upgrade  chan ota.Progress
}

func newWaiter() *waiter {
	return &waiter{
		download: make(chan ota.Progress, 64),
		upgrade:  make(chan ota.Progress, 4),
	}
}

func (w *waiter) listener() engine.Listener {
	return engine.ListenerFuncs{
		DownloadProgress: func(p ota.Progress) {
			if p.Status == ota.StatusDownloadOn {
				log.Infof("download %d%%", p.Percent)
				return
			}
			w.download <- p
		},
		UpgradeProgress: func(p ota.Progress) {
			w.upgrade <- p
		},
	}
}

func upgradeFunc(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	w := newWaiter()
	if _, err := e.RegisterCallback(updateContext(), w.listener()); err != nil {
		return err
	}

	if err := e.CheckNewVersion(ctx); err != nil {
		return err
	}
	info := e.GetNewVersion()
	if info.Status != ota.HasNewVersion {
		cmd.Printf("no new version (%s)\n", info.Status)
		return nil
	}
	first, _ := info.First()
	cmd.Printf("downloading %s (%d bytes)\n", first.VersionName, first.Size)

	if err := e.DownloadVersion(); err != nil {
		return err
	}
	var p ota.Progress
	select {
	case p = <-w.download:
	case <-ctx.Done():
		if err := e.Cancel(engine.ServiceDownload); err != nil {
			log.Warnf("cancel: %v", err)
		}
		return ctx.Err()
	}
	if p.Status != ota.StatusDownloadSuccess {
		return fmt.Errorf("download failed: %s: %s", p.Status, p.EndReason)
	}
	cmd.Printf("package verified: %s\n", e.UpdateContext().UpgradeFile)
	if downloadOnly {
		return nil
	}
	return e.DoUpdate()
}

func updateContext() ota.UpdateContext {
	return ota.UpdateContext{
		UpgradeDevID: cfg.Device.UpgradeDevID,
		ControlDevID: cfg.Device.ControlDevID,
		Type:         cfg.Engine.Type,
		UpgradeFile:  cfg.Paths.UpgradeFile,
	}
}

// autoDownloader starts a download after a successful check when the policy
// asks for it.
func autoDownloader(e *engine.Engine) engine.Listener {
	return engine.ListenerFuncs{
		CheckVersionDone: func(info ota.VersionInfo) {
			if info.Status != ota.HasNewVersion || !e.GetUpdatePolicy().AutoDownload {
				return
			}
			if err := e.DownloadVersion(); err != nil {
				log.Warnf("auto download not started: %v", err)
			}
		},
		DownloadProgress: func(p ota.Progress) {
			if p.Status == ota.StatusDownloadSuccess && e.GetUpdatePolicy().Mode == ota.InstallModeAuto {
				go func() {
					if err := e.DoUpdate(); err != nil {
						log.Errorf("install failed: %v", err)
					}
				}()
			}
		},
	}
}

func runFunc(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.RegisterCallback(updateContext(), autoDownloader(e)); err != nil {
		return err
	}

	trigger := make(chan struct{}, 1)
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Disconnect()

		reporter := report.New(client, cfg.Device.ProductKey, cfg.Device.DeviceName, cfg.MQTT.Module)
		id, err := e.RegisterCallback(updateContext(), reporter)
		if err != nil {
			return err
		}
		defer func() {
			e.UnregisterCallback(id)
			reporter.Close()
		}()

		local := version.NewFileProvider(cfg.Device.BuildIDFile, cfg.Device.BuildID).BuildID()
		if err := reporter.ReportVersion(local); err != nil {
			log.Warnf("version report failed: %v", err)
		}
		if err := report.WatchUpgrade(client, cfg.Device.ProductKey, cfg.Device.DeviceName, notify); err != nil {
			return err
		}
	}

	var tick <-chan time.Time
	if checkInterval > 0 {
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	notify()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-tick:
		case <-trigger:
		}
		if err := e.CheckNewVersion(ctx); err != nil {
			if ota.KindOf(err) == ota.StateError || errors.Is(err, context.Canceled) {
				log.Debugf("check skipped: %v", err)
				continue
			}
			log.Warnf("version check failed: %v", err)
		}
	}
}
