package mpesa

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// SecurityCredential encrypts the initiator password with the public key of
// the Daraja certificate, as B2C and B2B requests require.
func SecurityCredential(certPEM []byte, initiatorPassword string) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", errors.New("mpesa certificate: no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("mpesa certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", errors.New("mpesa certificate: public key is not RSA")
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(initiatorPassword))
	if err != nil {
		return "", fmt.Errorf("encrypt initiator password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// SecurityCredentialFromFile reads the certificate at path and encrypts the password.
func SecurityCredentialFromFile(path, initiatorPassword string) (string, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read mpesa certificate: %w", err)
	}
	return SecurityCredential(certPEM, initiatorPassword)
}
