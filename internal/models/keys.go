package models

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
)

func encodePrivateKeyPEM(priv *rsa.PrivateKey) (string, error) {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})), nil
}
