package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentials(t *testing.T) {
	d := Device{ProductKey: "pk1", DeviceName: "dev1", DeviceSecret: "secret"}
	c, err := d.Credentials(SecureModeTLS)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(c.ClientID, "pk1.dev1|timestamp=2524608000000,"))
	assert.True(t, strings.HasSuffix(c.ClientID, ",_conn=tl|"))
	assert.Contains(t, c.ClientID, "securemode=2,")
	assert.Contains(t, c.ClientID, "signmethod=hmacsha256,")
	assert.Equal(t, "dev1&pk1", c.Username)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("clientIdpk1.dev1deviceNamedev1productKeypk1timestamp2524608000000"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), c.Password)
}

func TestCredentialsDependOnSecret(t *testing.T) {
	a, err := Device{"pk1", "dev1", "secret"}.Credentials(SecureModeTCP)
	require.NoError(t, err)
	b, err := Device{"pk1", "dev1", "other"}.Credentials(SecureModeTCP)
	require.NoError(t, err)
	assert.Equal(t, a.ClientID, b.ClientID)
	assert.NotEqual(t, a.Password, b.Password)
	assert.Len(t, a.Password, 64)
}

func TestIncompleteTriple(t *testing.T) {
	for _, d := range []Device{
		{DeviceName: "dev1", DeviceSecret: "s"},
		{ProductKey: "pk1", DeviceSecret: "s"},
		{ProductKey: "pk1", DeviceName: "dev1"},
	} {
		_, err := d.Credentials(SecureModeTLS)
		assert.ErrorIs(t, err, ErrIncompleteTriple)
	}
}

func TestSignKeyOrder(t *testing.T) {
	a := Sign(map[string]string{"b": "2", "a": "1"}, "k")
	b := Sign(map[string]string{"a": "1", "b": "2"}, "k")
	assert.Equal(t, a, b)

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("a1b2"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), a)
}
