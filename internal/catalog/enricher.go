package catalog

import (
	"context"
	"os"

	"txt2detection/internal/logger"
	"txt2detection/internal/metrics"
	"txt2detection/pkg/models"
)

// Catalog names.
const (
	AttackCatalog = "ctibutler"
	CVECatalog    = "vulmatch"
)

const (
	attackPath  = "v1/attack-enterprise/objects/"
	attackParam = "attack_id"
	cvePath     = "v1/cve/objects/"
	cveParam    = "cve_id"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvCTIButlerURL = "CTIBUTLER_BASE_URL"
	EnvCTIButlerKey = "CTIBUTLER_API_KEY"
	EnvVulmatchURL  = "VULMATCH_BASE_URL"
	EnvVulmatchKey  = "VULMATCH_API_KEY"
)

// Enricher resolves ATT&CK and CVE ids against the two catalogs.
type Enricher struct {
	attack *Client
	cve    *Client
}

// NewEnricher builds an enricher from per-catalog configs.
func NewEnricher(attack, cve Config, m *metrics.Metrics) *Enricher {
	return &Enricher{
		attack: NewClient(AttackCatalog, attack, m),
		cve:    NewClient(CVECatalog, cve, m),
	}
}

// ConfigFromEnv fills empty URL and key fields from the environment.
func ConfigFromEnv(attack, cve Config) (Config, Config) {
	if attack.BaseURL == "" {
		attack.BaseURL = os.Getenv(EnvCTIButlerURL)
	}
	if attack.APIKey == "" {
		attack.APIKey = os.Getenv(EnvCTIButlerKey)
	}
	if cve.BaseURL == "" {
		cve.BaseURL = os.Getenv(EnvVulmatchURL)
	}
	if cve.APIKey == "" {
		cve.APIKey = os.Getenv(EnvVulmatchKey)
	}
	return attack, cve
}

// AttackObjects resolves ATT&CK ids such as T1059 or TA0001.
func (e *Enricher) AttackObjects(ctx context.Context, ids []string) []models.RawObject {
	return e.lookup(ctx, e.attack, attackPath, attackParam, EnvCTIButlerURL, ids)
}

// CVEObjects resolves CVE ids.
func (e *Enricher) CVEObjects(ctx context.Context, ids []string) []models.RawObject {
	return e.lookup(ctx, e.cve, cvePath, cveParam, EnvVulmatchURL, ids)
}

func (e *Enricher) lookup(ctx context.Context, c *Client, path, param, env string, ids []string) []models.RawObject {
	if len(ids) == 0 {
		return nil
	}
	if !c.Configured() {
		logger.Warnf("%s is not configured (%s unset); skipping lookup of %v", c.Name(), env, ids)
		return nil
	}
	logger.Debugf("retrieving %s objects: %v", c.Name(), ids)
	return c.Objects(ctx, path, param, ids)
}
