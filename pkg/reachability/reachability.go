// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reachability probes signaling and relay endpoints for operator
// diagnostics. Results are only logged and reported; nothing in the session
// reacts to them. The session's own connect path stays the sole authority
// on connectivity.
package reachability

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
)

var (
	initClientsOnce sync.Once
	secureClient    *http.Client
	insecureClient  *http.Client
)

// Client returns the shared probe client. Tests intercept it to mock the
// endpoints.
func Client(insecureTLS bool) *http.Client {
	initClientsOnce.Do(func() {
		// Copy the default transport to avoid modifying it (and then modify
		// the copy).
		secure := http.DefaultTransport.(*http.Transport).Clone()
		secureClient = &http.Client{
			Transport: secure,
			Timeout:   constants.ReachabilityProbeTimeout,
		}

		insecure := http.DefaultTransport.(*http.Transport).Clone()
		insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		insecureClient = &http.Client{
			Transport: insecure,
			Timeout:   constants.ReachabilityProbeTimeout,
		}
	})

	if insecureTLS {
		return insecureClient
	}

	return secureClient
}

// healthURL maps a configured endpoint to its health check URL: websocket
// schemes are probed over their HTTP counterpart, the path is always the
// server's /healthz.
func healthURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	u.Path = "/healthz"
	u.RawQuery = ""

	return u.String(), nil
}

// Check reports whether the endpoint answers its health check. For TLS
// endpoints the certificate chain is logged at debug level for diagnosis.
func Check(insecureTLS bool, endpoint string, logger *zap.SugaredLogger) bool {
	target, err := healthURL(endpoint)
	if err != nil {
		logger.Errorf("Cannot probe %q: %s", endpoint, err)

		return false
	}

	response, err := Client(insecureTLS).Get(target)
	if err != nil {
		logger.Errorf("Error while checking if %s is reachable: %v", target, err)

		return false
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		logger.Errorf("Health check response code is not 200 OK: %v", response.StatusCode)

		return false
	}

	if strings.HasPrefix(target, "https://") {
		if response.TLS == nil {
			logger.Errorf("Health check got HTTP response for an HTTPS endpoint")

			return false
		}

		for i, cert := range response.TLS.PeerCertificates {
			logger.Debugf("Certificate %d:", i)
			logger.Debugf("    Subject: %s", cert.Subject)
			logger.Debugf("    Issuer: %s", cert.Issuer)
			logger.Debugf("    Serial Number: %s", cert.SerialNumber)
			logger.Debugf("    IsCA: %v", cert.IsCA)
			logger.Debugf("    DNSNames: %v", cert.DNSNames)
			logger.Debugf("    NotBefore: %v", cert.NotBefore)
			logger.Debugf("    NotAfter: %v", cert.NotAfter)
		}
	} else {
		logger.Debugf("%s is reachable over HTTP, no certificate verification performed", target)
	}

	return true
}
