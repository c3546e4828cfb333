package tlsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-go-sdk/otaengine/internal/testutil"
	"github.com/iot-go-sdk/otaengine/pkg/config"
)

func TestLoadCACert(t *testing.T) {
	kp := testutil.NewECDSAKeyPair(t)

	pool, err := LoadCACert(kp.CertPath)
	require.NoError(t, err)
	assert.NotNil(t, pool)

	bogus := filepath.Join(t.TempDir(), "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a cert"), 0644))
	_, err = LoadCACert(bogus)
	assert.Error(t, err)

	_, err = LoadCACert(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}

func TestNewClientConfig(t *testing.T) {
	kp := testutil.NewECDSAKeyPair(t)

	tlsConfig, err := NewClientConfig(config.TLSConfig{CACert: kp.CertPath, ServerName: "localhost"})
	require.NoError(t, err)
	assert.NotNil(t, tlsConfig.RootCAs)
	assert.Equal(t, "localhost", tlsConfig.ServerName)
	assert.False(t, tlsConfig.InsecureSkipVerify)

	tlsConfig, err = NewClientConfig(config.TLSConfig{SkipVerify: true, CACert: "/nonexistent"})
	require.NoError(t, err, "skip verify does not load a CA")
	assert.True(t, tlsConfig.InsecureSkipVerify)
}
