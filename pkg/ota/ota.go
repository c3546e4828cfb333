package ota

import "fmt"

// UpgradeStatus represents the phase of an update attempt. The values are
// ordered, a later phase always compares greater than an earlier one.
type UpgradeStatus int

const (
	StatusInit UpgradeStatus = iota
	StatusCheckVersionOn
	StatusCheckVersionFail
	StatusCheckVersionSuccess
	StatusDownloadOn
	StatusDownloadCancel
	StatusDownloadFail
	StatusDownloadSuccess
	StatusVerifyOn
	StatusVerifyFail
	StatusVerifySuccess
	StatusInstallOn
	StatusInstallFail
	StatusInstallSuccess
)

var statusNames = map[UpgradeStatus]string{
	StatusInit:                "init",
	StatusCheckVersionOn:      "check_version_on",
	StatusCheckVersionFail:    "check_version_fail",
	StatusCheckVersionSuccess: "check_version_success",
	StatusDownloadOn:          "download_on",
	StatusDownloadCancel:      "download_cancel",
	StatusDownloadFail:        "download_fail",
	StatusDownloadSuccess:     "download_success",
	StatusVerifyOn:            "verify_on",
	StatusVerifyFail:          "verify_fail",
	StatusVerifySuccess:       "verify_success",
	StatusInstallOn:           "install_on",
	StatusInstallFail:         "install_fail",
	StatusInstallSuccess:      "install_success",
}

func (s UpgradeStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// IsFailure reports whether s is the failure terminal of its phase.
func (s UpgradeStatus) IsFailure() bool {
	switch s {
	case StatusCheckVersionFail, StatusDownloadFail, StatusVerifyFail, StatusInstallFail:
		return true
	}
	return false
}

// SearchStatus is the outcome of a version query
type SearchStatus int

const (
	SystemError SearchStatus = iota - 1
	HasNewVersion
	NoNewVersion
	ServerBusy
)

func (s SearchStatus) String() string {
	switch s {
	case SystemError:
		return "system_error"
	case HasNewVersion:
		return "has_new_version"
	case NoNewVersion:
		return "no_new_version"
	case ServerBusy:
		return "server_busy"
	}
	return fmt.Sprintf("search_status(%d)", int(s))
}

// MaxResults bounds the number of check results and descriptions kept from
// a server reply.
const MaxResults = 2

// CheckResult describes one package offered by the update server
type CheckResult struct {
	VersionName       string `json:"versionName"`
	VersionCode       string `json:"versionCode"`
	VerifyInfo        string `json:"verifyInfo"`
	Size              int64  `json:"size"`
	PackageType       int    `json:"packageType"`
	DescriptPackageID string `json:"descriptPackageId"`
}

// DescriptInfo carries the human readable release notes of a package
type DescriptInfo struct {
	DescriptPackageID string `json:"descriptPackageId"`
	Content           string `json:"content"`
}

// VersionInfo is the stored result of the last version check
type VersionInfo struct {
	Status       SearchStatus   `json:"status"`
	ErrMsg       string         `json:"errMsg"`
	Results      []CheckResult  `json:"checkResults"`
	Descriptions []DescriptInfo `json:"descriptInfo"`
}

// First returns the primary check result.
func (v VersionInfo) First() (CheckResult, bool) {
	if len(v.Results) == 0 {
		return CheckResult{}, false
	}
	return v.Results[0], true
}

// Clone returns a deep copy that shares no slices with v.
func (v VersionInfo) Clone() VersionInfo {
	out := v
	out.Results = append([]CheckResult(nil), v.Results...)
	out.Descriptions = append([]DescriptInfo(nil), v.Descriptions...)
	return out
}

// Progress is the reported state of the running phase
type Progress struct {
	Percent   int           `json:"percent"`
	Status    UpgradeStatus `json:"status"`
	EndReason string        `json:"endReason,omitempty"`
}

// InstallMode selects when a downloaded package is installed
type InstallMode int

const (
	InstallModeNormal InstallMode = iota
	InstallModeNight
	InstallModeAuto
)

// AutoUpgradeCondition gates automatic installation
type AutoUpgradeCondition int

const (
	ConditionIdle AutoUpgradeCondition = iota
)

// UpdatePolicy is pure configuration and does not influence the state machine
type UpdatePolicy struct {
	AutoDownload         bool                 `json:"autoDownload" yaml:"autoDownload"`
	AutoDownloadNet      bool                 `json:"autoDownloadNet" yaml:"autoDownloadNet"`
	Mode                 InstallMode          `json:"mode" yaml:"mode"`
	AutoUpgradeCondition AutoUpgradeCondition `json:"autoUpgradeCondition" yaml:"autoUpgradeCondition"`
	// AutoUpgradeInterval is the preferred install window, start and end in
	// minutes after midnight.
	AutoUpgradeInterval [2]uint32 `json:"autoUpgradeInterval" yaml:"autoUpgradeInterval"`
}

// UpdateContext identifies the device and the package target of a session
type UpdateContext struct {
	UpgradeDevID string `json:"upgradeDevId"`
	ControlDevID string `json:"controlDevId"`
	UpgradeApp   string `json:"upgradeApp"`
	Type         string `json:"type"`
	UpgradeFile  string `json:"upgradeFile"`
}
