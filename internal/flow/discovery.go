package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ParleSec/FlowGlass/pkg/models"
)

// DiscoveryPath is the well-known suffix for OIDC discovery documents.
const DiscoveryPath = "/.well-known/openid-configuration"

// FetchDiscovery retrieves and decodes the discovery document for an issuer.
// Discovery is idempotent, so transient failures are retried with exponential
// backoff; 4xx answers and undecodable bodies are not.
func FetchDiscovery(ctx context.Context, client *http.Client, issuer string) (*models.DiscoveryDocument, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	url := strings.TrimSuffix(issuer, "/") + DiscoveryPath

	operation := func() (*models.DiscoveryDocument, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("discovery endpoint %s returned status %d", url, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("discovery endpoint %s returned status %d", url, resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		var doc models.DiscoveryDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("discovery document undecodable: %w", err))
		}
		if doc.Issuer != issuer {
			return nil, backoff.Permanent(fmt.Errorf("discovery issuer %q does not match requested %q", doc.Issuer, issuer))
		}
		return &doc, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	doc, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch discovery for %s: %w", issuer, err)
	}
	return doc, nil
}
