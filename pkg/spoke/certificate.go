package spoke

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

var ErrBadCertificate = errors.New("invalid certificate")

// CertificateInfo is the hub's view of a spoke certificate.
type CertificateInfo struct {
	Fingerprint        string    `json:"fingerprint"` // SHA-256 over DER, hex
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SignatureAlgorithm string    `json:"signatureAlgorithm"`
	NotBefore          time.Time `json:"notBefore"`
	NotAfter           time.Time `json:"notAfter"`
	SelfSigned         bool      `json:"selfSigned"`
	Warnings           []string  `json:"warnings,omitempty"`
}

// weakAlgorithms are rejected in strict mode. SHA-1 and below.
var weakAlgorithms = map[x509.SignatureAlgorithm]bool{
	x509.MD2WithRSA:    true,
	x509.MD5WithRSA:    true,
	x509.SHA1WithRSA:   true,
	x509.DSAWithSHA1:   true,
	x509.DSAWithSHA256: true, // DSA deprecated outright
	x509.ECDSAWithSHA1: true,
}

// ValidateCertificate parses a PEM certificate and applies the hub's
// acceptance rules. Expired, not-yet-valid, and (in strict mode)
// weakly signed certificates are rejected. Self-signed and
// near-expiry certificates produce warnings only.
func ValidateCertificate(pemData string, strict bool) (*CertificateInfo, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no CERTIFICATE block in PEM", ErrBadCertificate)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}

	now := time.Now()
	if now.After(cert.NotAfter) {
		return nil, fmt.Errorf("%w: expired %s", ErrBadCertificate, cert.NotAfter.Format(time.RFC3339))
	}
	if now.Before(cert.NotBefore) {
		return nil, fmt.Errorf("%w: not valid until %s", ErrBadCertificate, cert.NotBefore.Format(time.RFC3339))
	}
	if strict && weakAlgorithms[cert.SignatureAlgorithm] {
		return nil, fmt.Errorf("%w: weak signature algorithm %s", ErrBadCertificate, cert.SignatureAlgorithm)
	}

	sum := sha256.Sum256(cert.Raw)
	info := &CertificateInfo{
		Fingerprint:        hex.EncodeToString(sum[:]),
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
	}

	if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		info.SelfSigned = true
		info.Warnings = append(info.Warnings, "certificate is self-signed")
	}
	if cert.NotAfter.Sub(now) < 30*24*time.Hour {
		info.Warnings = append(info.Warnings,
			fmt.Sprintf("certificate expires within 30 days (%s)", cert.NotAfter.Format(time.RFC3339)))
	}
	return info, nil
}
