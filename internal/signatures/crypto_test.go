package signatures

import (
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrivateKeyRoundTrips(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	der := x509.MarshalPKCS1PrivateKey(kp.Private)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})

	parsed, err := ParsePrivateKey(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, kp.Private.N, parsed.N)
}

func TestParsePrivateKeyRejectsInvalidPEM(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not pem"))
	assert.Error(t, err)
}

func TestParsePublicKeyRoundTrips(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey([]byte(kp.PublicPEM))
	require.NoError(t, err)
	assert.Equal(t, kp.Public.N, parsed.N)
}

func TestParsePublicKeyRejectsInvalidPEM(t *testing.T) {
	_, err := ParsePublicKey([]byte("not pem"))
	assert.Error(t, err)
}
