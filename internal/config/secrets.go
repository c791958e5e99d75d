package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"go.yaml.in/yaml/v4"
)

// RSAPrivateKey wraps *rsa.PrivateKey and implements yaml.Unmarshaler.
// The value is either a PEM block or a base64-encoded PEM block.
type RSAPrivateKey struct {
	*rsa.PrivateKey
}

func (k *RSAPrivateKey) UnmarshalYAML(value *yaml.Node) error {
	var encoded string
	if err := value.Decode(&encoded); err != nil {
		return err
	}

	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil
	}

	key, err := decodeRSAPrivateKey(encoded)
	if err != nil {
		return fmt.Errorf("line %d: decode RSA private key: %w", value.Line, err)
	}

	k.PrivateKey = key
	return nil
}

func decodeRSAPrivateKey(encoded string) (*rsa.PrivateKey, error) {
	pemBytes := []byte(encoded)
	if !strings.HasPrefix(encoded, "-----BEGIN") {
		var err error
		pemBytes, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("base64 decode: %w", err)
		}
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	// PKCS#1 first, then PKCS#8
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}

	return key, nil
}
