package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCheckPort       = 5022
	DefaultConnectTimeout  = 10 * time.Second
	DefaultDownloadTimeout = 600 * time.Second
	DefaultBaseDir         = "/data/updater"
	DefaultUpgradeFile     = "/data/updater/updater.zip"
	DefaultMiscDevice      = "/dev/block/by-name/misc"
	DefaultSigningCert     = "/data/update_sa/signing_cert.crt"
	DefaultPolicyFile      = "/data/update_sa/update_policy.yaml"
	DefaultBuildIDFile     = "/etc/ota/build_id"
)

type DeviceConfig struct {
	ProductKey   string `yaml:"productKey"`
	DeviceName   string `yaml:"deviceName"`
	DeviceSecret string `yaml:"deviceSecret"`
	UpgradeDevID string `yaml:"upgradeDevId"`
	ControlDevID string `yaml:"controlDevId"`
	// BuildID overrides the build id read from BuildIDFile.
	BuildID     string `yaml:"buildId"`
	BuildIDFile string `yaml:"buildIdFile"`
}

type ServerConfig struct {
	IP              string        `yaml:"ip"`
	CheckPort       int           `yaml:"checkPort"`
	ConnectTimeout  time.Duration `yaml:"connectTimeout"`
	DownloadTimeout time.Duration `yaml:"downloadTimeout"`
	// DownloadBaseURL replaces http://<ip> as the package URL prefix.
	DownloadBaseURL string `yaml:"downloadBaseUrl"`
}

type PathsConfig struct {
	BaseDir     string `yaml:"baseDir"`
	UpgradeFile string `yaml:"upgradeFile"`
	MiscDevice  string `yaml:"miscDevice"`
	SigningCert string `yaml:"signingCert"`
	PolicyFile  string `yaml:"policyFile"`
}

type TLSConfig struct {
	CACert     string `yaml:"caCert"`
	ServerName string `yaml:"serverName"`
	SkipVerify bool   `yaml:"skipVerify"`
}

type MQTTConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	UseTLS       bool          `yaml:"useTls"`
	KeepAlive    time.Duration `yaml:"keepAlive"`
	ClientID     string        `yaml:"clientId"`
	CleanSession bool          `yaml:"cleanSession"`
	SecureMode   string        `yaml:"secureMode"`
	Module       string        `yaml:"module"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type EngineConfig struct {
	// DryRun writes the misc record but never reboots.
	DryRun bool   `yaml:"dryRun"`
	Type   string `yaml:"type"`
}

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Server ServerConfig `yaml:"server"`
	Paths  PathsConfig  `yaml:"paths"`
	TLS    TLSConfig    `yaml:"tls"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`
	Engine EngineConfig `yaml:"engine"`
}

func NewConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			BuildIDFile: DefaultBuildIDFile,
		},
		Server: ServerConfig{
			CheckPort:       DefaultCheckPort,
			ConnectTimeout:  DefaultConnectTimeout,
			DownloadTimeout: DefaultDownloadTimeout,
		},
		Paths: PathsConfig{
			BaseDir:     DefaultBaseDir,
			UpgradeFile: DefaultUpgradeFile,
			MiscDevice:  DefaultMiscDevice,
			SigningCert: DefaultSigningCert,
			PolicyFile:  DefaultPolicyFile,
		},
		MQTT: MQTTConfig{
			Host:         "localhost",
			Port:         1883,
			KeepAlive:    60 * time.Second,
			CleanSession: true,
			Module:       "default",
		},
		Log: LogConfig{
			Level: "info",
			File:  "console",
		},
		Engine: EngineConfig{
			Type: "ota",
		},
	}
}

// LoadFromFile overlays the YAML document at path onto c. Fields absent from
// the document keep their current values.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	log.Debugf("loaded config from %s", path)
	return nil
}

// LoadFromEnv applies OTA_* environment variables. Every existing file in
// envFiles is loaded first; variables already set in the process win.
func (c *Config) LoadFromEnv(envFiles ...string) error {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	setString(&c.Device.ProductKey, "OTA_PRODUCT_KEY")
	setString(&c.Device.DeviceName, "OTA_DEVICE_NAME")
	setString(&c.Device.DeviceSecret, "OTA_DEVICE_SECRET")
	setString(&c.Device.UpgradeDevID, "OTA_UPGRADE_DEV_ID")
	setString(&c.Device.ControlDevID, "OTA_CONTROL_DEV_ID")
	setString(&c.Device.BuildID, "OTA_BUILD_ID")
	setString(&c.Device.BuildIDFile, "OTA_BUILD_ID_FILE")

	setString(&c.Server.IP, "OTA_SERVER_IP")
	setString(&c.Server.DownloadBaseURL, "OTA_DOWNLOAD_BASE_URL")
	if err := setInt(&c.Server.CheckPort, "OTA_SERVER_PORT"); err != nil {
		return err
	}
	if err := setDuration(&c.Server.ConnectTimeout, "OTA_CONNECT_TIMEOUT"); err != nil {
		return err
	}
	if err := setDuration(&c.Server.DownloadTimeout, "OTA_DOWNLOAD_TIMEOUT"); err != nil {
		return err
	}

	setString(&c.Paths.BaseDir, "OTA_BASE_DIR")
	setString(&c.Paths.UpgradeFile, "OTA_UPGRADE_FILE")
	setString(&c.Paths.MiscDevice, "OTA_MISC_DEVICE")
	setString(&c.Paths.SigningCert, "OTA_SIGNING_CERT")
	setString(&c.Paths.PolicyFile, "OTA_POLICY_FILE")

	setString(&c.TLS.CACert, "OTA_TLS_CA_CERT")
	setString(&c.TLS.ServerName, "OTA_TLS_SERVER_NAME")
	if err := setBool(&c.TLS.SkipVerify, "OTA_TLS_SKIP_VERIFY"); err != nil {
		return err
	}

	if err := setBool(&c.MQTT.Enabled, "OTA_MQTT_ENABLED"); err != nil {
		return err
	}
	setString(&c.MQTT.Host, "OTA_MQTT_HOST")
	if err := setInt(&c.MQTT.Port, "OTA_MQTT_PORT"); err != nil {
		return err
	}
	if err := setBool(&c.MQTT.UseTLS, "OTA_MQTT_USE_TLS"); err != nil {
		return err
	}
	setString(&c.MQTT.SecureMode, "OTA_MQTT_SECURE_MODE")

	setString(&c.Log.Level, "OTA_LOG_LEVEL")
	setString(&c.Log.File, "OTA_LOG_FILE")

	if err := setBool(&c.Engine.DryRun, "OTA_DRY_RUN"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

// setDuration accepts Go duration strings or a bare number of seconds.
func setDuration(dst *time.Duration, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		*dst = time.Duration(secs) * time.Second
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func (c *Config) Validate() error {
	if c.Server.IP == "" {
		return errors.New("server ip is required")
	}
	if c.Server.CheckPort <= 0 || c.Server.CheckPort > 65535 {
		return errors.New("server check port must be between 1 and 65535")
	}
	if c.Server.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	if c.Server.DownloadTimeout <= 0 {
		return errors.New("download timeout must be positive")
	}
	if c.Paths.BaseDir == "" {
		return errors.New("base dir is required")
	}
	if c.Paths.UpgradeFile == "" {
		return errors.New("upgrade file path is required")
	}
	if c.Paths.MiscDevice == "" {
		return errors.New("misc device path is required")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if c.MQTT.Enabled {
		if c.Device.ProductKey == "" || c.Device.DeviceName == "" {
			return errors.New("product key and device name are required when mqtt is enabled")
		}
		if c.Device.DeviceSecret == "" {
			return errors.New("device secret is required when mqtt is enabled")
		}
		if c.MQTT.Host == "" {
			return errors.New("MQTT host is required")
		}
		if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
			return errors.New("MQTT port must be between 1 and 65535")
		}
	}
	return nil
}

// CheckAddress is the host:port of the version check service.
func (c *Config) CheckAddress() string {
	return net.JoinHostPort(c.Server.IP, strconv.Itoa(c.Server.CheckPort))
}

// DownloadURL builds the package URL for a descriptPackageId.
func (c *Config) DownloadURL(packageID string) string {
	base := c.Server.DownloadBaseURL
	if base == "" {
		base = "http://" + c.Server.IP
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(packageID, "/")
}

func (c *Config) GenerateClientID() string {
	if c.MQTT.ClientID != "" {
		return c.MQTT.ClientID
	}
	return fmt.Sprintf("%s.%s", c.Device.ProductKey, c.Device.DeviceName)
}

func (c *Config) GetSecureMode() string {
	if c.MQTT.SecureMode != "" {
		return c.MQTT.SecureMode
	}
	if c.MQTT.UseTLS {
		return "2"
	}
	return "3"
}
