package payments

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// loadTLSConfig interprets a TLS_VERIFY style setting: "false" disables
// verification, "" or "true" uses the system roots, anything else is a path
// to the node's PEM certificate.
func loadTLSConfig(verify string) (*tls.Config, error) {
	switch strings.ToLower(strings.TrimSpace(verify)) {
	case "false":
		return &tls.Config{InsecureSkipVerify: true}, nil
	case "", "true":
		return &tls.Config{}, nil
	}

	pem, err := os.ReadFile(verify)
	if err != nil {
		return nil, errors.Wrap(err, "read tls cert")
	}

	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(pem); !ok {
		return nil, errors.Errorf("could not parse tls cert %s", verify)
	}

	return &tls.Config{RootCAs: pool}, nil
}
