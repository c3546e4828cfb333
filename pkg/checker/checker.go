// Package checker queries the update server for the newest package.
//
// The server speaks a minimal protocol: the client opens a TLS connection to
// port 5022 and the server answers with a single JSON document of at most
// 4096 bytes, then closes the connection.
package checker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iot-go-sdk/otaengine/pkg/config"
	"github.com/iot-go-sdk/otaengine/pkg/ota"
	"github.com/iot-go-sdk/otaengine/pkg/tlsutil"
	"github.com/iot-go-sdk/otaengine/pkg/version"
)

// MaxReplySize bounds the version document.
const MaxReplySize = 4096

// Checker fetches the current VersionInfo. The returned VersionInfo is
// meaningful even when err is not nil: it then carries SystemError or
// ServerBusy and the reason in ErrMsg.
type Checker interface {
	Check(ctx context.Context) (ota.VersionInfo, error)
}

// TLSChecker implements Checker against the update server
type TLSChecker struct {
	addr      string
	tlsConfig *tls.Config
	timeout   time.Duration
	versions  version.Provider
}

// New returns a checker for the server at addr (host:port). timeout bounds the
// whole exchange, connect included.
func New(addr string, tlsConfig *tls.Config, timeout time.Duration, versions version.Provider) *TLSChecker {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tlsConfig.ServerName == "" && !tlsConfig.InsecureSkipVerify {
		tlsConfig = tlsConfig.Clone()
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		}
	}
	if timeout <= 0 {
		timeout = config.DefaultConnectTimeout
	}
	return &TLSChecker{addr: addr, tlsConfig: tlsConfig, timeout: timeout, versions: versions}
}

// NewFromConfig builds a TLSChecker from the server and TLS sections of cfg.
func NewFromConfig(cfg *config.Config, versions version.Provider) (*TLSChecker, error) {
	tlsConfig, err := tlsutil.NewClientConfig(cfg.TLS)
	if err != nil {
		return nil, ota.E(ota.ParamError, "checker.New", err)
	}
	return New(cfg.CheckAddress(), tlsConfig, cfg.Server.ConnectTimeout, versions), nil
}

func failed(status ota.SearchStatus, msg string) ota.VersionInfo {
	return ota.VersionInfo{Status: status, ErrMsg: msg}
}

// Check runs one version query.
func (c *TLSChecker) Check(ctx context.Context) (ota.VersionInfo, error) {
	const op = "checker.Check"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: c.timeout}
	raw, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		log.Warnf("version server %s unreachable: %v", c.addr, err)
		return failed(ota.ServerBusy, "Connect error"), ota.E(ota.NetworkError, op, err)
	}
	defer raw.Close()
	if deadline, ok := ctx.Deadline(); ok {
		raw.SetDeadline(deadline)
	}

	conn := tls.Client(raw, c.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		log.Warnf("TLS handshake with %s failed: %v", c.addr, err)
		return failed(ota.SystemError, "Couldn't connect to server"), ota.E(ota.NetworkError, op, err)
	}
	defer conn.Close()

	data, err := readDocument(conn)
	if err != nil {
		kind := ota.NetworkError
		if errors.Is(err, errTooLarge) {
			kind = ota.ProtocolError
		}
		return failed(ota.SystemError, "Couldn't read data"), ota.E(kind, op, err)
	}

	info, err := Parse(data)
	if err != nil {
		log.Warnf("bad version reply from %s: %v", c.addr, err)
		return failed(ota.SystemError, "Couldn't read data"), ota.E(ota.ProtocolError, op, err)
	}
	c.compareLocal(&info)
	log.Infof("version check: %s %+v", info.Status, info.Results)
	return info, nil
}

// compareLocal downgrades HasNewVersion when the local build is not older.
func (c *TLSChecker) compareLocal(info *ota.VersionInfo) {
	if info.Status != ota.HasNewVersion || c.versions == nil {
		return
	}
	first, ok := info.First()
	if !ok {
		return
	}
	local := c.versions.BuildID()
	if version.Compare(first.VersionCode, local) <= 0 {
		log.Infof("server version %s is not newer than local %s", first.VersionCode, local)
		info.Status = ota.NoNewVersion
	}
}

var errTooLarge = fmt.Errorf("version reply exceeds %d bytes", MaxReplySize)

// readDocument reads until a complete JSON document, EOF, or MaxReplySize.
func readDocument(r io.Reader) ([]byte, error) {
	buf := make([]byte, MaxReplySize)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if n > 0 && json.Valid(buf[:n]) {
			return buf[:n], nil
		}
		if err == io.EOF {
			if n == 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
	return nil, errTooLarge
}

type wireResult struct {
	VersionName       *string `json:"versionName"`
	VersionCode       *string `json:"versionCode"`
	VerifyInfo        *string `json:"verifyInfo"`
	Size              *int64  `json:"size"`
	PackageType       *int    `json:"packageType"`
	DescriptPackageID *string `json:"descriptPackageId"`
}

type wireDescript struct {
	DescriptPackageID *string `json:"descriptPackageId"`
	Content           *string `json:"content"`
}

type wireReply struct {
	SearchStatus *int            `json:"searchStatus"`
	ErrMsg       *string         `json:"errMsg"`
	CheckResults *[]wireResult   `json:"checkResults"`
	DescriptInfo *[]wireDescript `json:"descriptInfo"`
}

// Parse decodes a version reply. Every field of the schema is required; only
// the first ota.MaxResults results and descriptions are kept.
func Parse(data []byte) (ota.VersionInfo, error) {
	var w wireReply
	if err := json.Unmarshal(data, &w); err != nil {
		return ota.VersionInfo{}, fmt.Errorf("malformed version reply: %w", err)
	}
	if w.SearchStatus == nil {
		return ota.VersionInfo{}, errors.New("missing searchStatus")
	}
	if w.ErrMsg == nil {
		return ota.VersionInfo{}, errors.New("missing errMsg")
	}
	if w.CheckResults == nil {
		return ota.VersionInfo{}, errors.New("missing checkResults")
	}
	if w.DescriptInfo == nil {
		return ota.VersionInfo{}, errors.New("missing descriptInfo")
	}

	info := ota.VersionInfo{
		Status: ota.SearchStatus(*w.SearchStatus),
		ErrMsg: *w.ErrMsg,
	}
	switch info.Status {
	case ota.HasNewVersion, ota.NoNewVersion, ota.ServerBusy, ota.SystemError:
	default:
		return ota.VersionInfo{}, fmt.Errorf("unknown searchStatus %d", *w.SearchStatus)
	}

	for i, r := range *w.CheckResults {
		if i == ota.MaxResults {
			break
		}
		if r.VersionName == nil || r.VersionCode == nil || r.VerifyInfo == nil ||
			r.Size == nil || r.PackageType == nil || r.DescriptPackageID == nil {
			return ota.VersionInfo{}, fmt.Errorf("checkResults[%d] is incomplete", i)
		}
		info.Results = append(info.Results, ota.CheckResult{
			VersionName:       *r.VersionName,
			VersionCode:       *r.VersionCode,
			VerifyInfo:        *r.VerifyInfo,
			Size:              *r.Size,
			PackageType:       *r.PackageType,
			DescriptPackageID: *r.DescriptPackageID,
		})
	}
	for i, d := range *w.DescriptInfo {
		if i == ota.MaxResults {
			break
		}
		if d.DescriptPackageID == nil || d.Content == nil {
			return ota.VersionInfo{}, fmt.Errorf("descriptInfo[%d] is incomplete", i)
		}
		info.Descriptions = append(info.Descriptions, ota.DescriptInfo{
			DescriptPackageID: *d.DescriptPackageID,
			Content:           *d.Content,
		})
	}

	if info.Status == ota.HasNewVersion {
		first, ok := info.First()
		if !ok || first.VerifyInfo == "" || first.VersionName == "" || first.Size <= 0 {
			return ota.VersionInfo{}, errors.New("new version announced without verifyInfo, versionName or size")
		}
	}
	return info, nil
}
