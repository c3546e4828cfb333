// Package auth derives the MQTT login of a device from its triple
// (product key, device name, device secret).
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
)

const (
	// signTimestamp is the fixed timestamp the broker expects in the
	// signature of long lived device sessions.
	signTimestamp = "2524608000000"
	clientVersion = "otaengine-go-1.0.0"

	SignMethod = "hmacsha256"

	SecureModeTLS = "2"
	SecureModeTCP = "3"
)

// ErrIncompleteTriple is returned when a part of the device triple is empty.
var ErrIncompleteTriple = errors.New("incomplete device triple")

type Credentials struct {
	ClientID string
	Username string
	Password string
}

// Device is the identity a device logs in with.
type Device struct {
	ProductKey   string
	DeviceName   string
	DeviceSecret string
}

func (d Device) complete() bool {
	return d.ProductKey != "" && d.DeviceName != "" && d.DeviceSecret != ""
}

// Credentials builds the client id, username and password of d for
// secureMode, one of SecureModeTLS or SecureModeTCP.
func (d Device) Credentials(secureMode string) (*Credentials, error) {
	if !d.complete() {
		return nil, ErrIncompleteTriple
	}
	id := d.ProductKey + "." + d.DeviceName
	ext := []string{
		"timestamp=" + signTimestamp,
		"_ss=1",
		"_v=" + clientVersion,
		"securemode=" + secureMode,
		"signmethod=" + SignMethod,
		"ext=3",
		"_conn=tl",
	}
	params := map[string]string{
		"clientId":   id,
		"deviceName": d.DeviceName,
		"productKey": d.ProductKey,
		"timestamp":  signTimestamp,
	}
	return &Credentials{
		ClientID: id + "|" + strings.Join(ext, ",") + "|",
		Username: d.DeviceName + "&" + d.ProductKey,
		Password: Sign(params, d.DeviceSecret),
	}, nil
}

// Sign concatenates every key and value of params in key order and returns
// the hex HMAC-SHA256 of the result under secret.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha256.New, []byte(secret))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
