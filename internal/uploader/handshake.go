package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Masterminds/semver/v3"
)

// CheckServerVersion fetches the health endpoint and verifies the reported
// API version against a semver constraint such as ">= 1.2.0".
func CheckServerVersion(ctx context.Context, client *http.Client, healthURL, constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("invalid version constraint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusServiceError{Endpoint: "health", Status: resp.Status}
	}

	var payload struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}

	v, err := semver.NewVersion(payload.Version)
	if err != nil {
		return fmt.Errorf("server reported invalid version %q: %w", payload.Version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("server version %s does not satisfy %s", v, constraint)
	}
	return nil
}
