package resolver

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"sourceflow/models"
)

// errMissingCredential marks a resource whose key is absent from the
// environment. The attempt is skipped without penalizing the resource.
var errMissingCredential = fmt.Errorf("credential not set")

// credential resolves a resource's secret from the environment. Resources
// without an auth requirement resolve to an empty credential.
func credential(res *models.Resource) (string, error) {
	if !res.Auth.Required() {
		return "", nil
	}
	secret := os.Getenv(res.Auth.EnvVar)
	if secret == "" {
		return "", fmt.Errorf("%w: %s requires %s", errMissingCredential, res.ID, res.Auth.EnvVar)
	}
	return secret, nil
}

// buildRequestURL expands the endpoint template and attaches the credential
// where the resource expects it. Path keys are injected as the api_key
// template parameter, query keys appended under the configured name.
func buildRequestURL(res *models.Resource, base, secret string, params map[string]string) (string, error) {
	merged := make(map[string]string, len(params)+1)
	for k, v := range params {
		merged[k] = v
	}
	if res.Auth.Kind == models.AuthPathKey {
		merged["api_key"] = secret
	}

	endpoint, err := res.Endpoint(base, merged)
	if err != nil {
		return "", err
	}

	if res.Auth.Kind == models.AuthQueryKey {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("resource %s: %w", res.ID, err)
		}
		q := u.Query()
		q.Set(res.Auth.Name, secret)
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}
	return endpoint, nil
}

// attachHeaders sets the user agent and, for header-key auth, the credential
// header.
func attachHeaders(req *http.Request, res *models.Resource, secret, userAgent string) {
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	req.Header.Set("Accept", "application/json")
	if res.Auth.Kind == models.AuthHeaderKey {
		req.Header.Set(res.Auth.Name, secret)
	}
}
