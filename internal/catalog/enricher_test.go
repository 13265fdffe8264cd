package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvCTIButlerURL, "https://ctibutler.example/api/")
	t.Setenv(EnvCTIButlerKey, "k1")
	t.Setenv(EnvVulmatchURL, "https://vulmatch.example/api/")
	t.Setenv(EnvVulmatchKey, "k2")

	attack, cve := ConfigFromEnv(Config{APIKey: "explicit"}, Config{BaseURL: "https://other/"})
	if attack.BaseURL != "https://ctibutler.example/api/" || attack.APIKey != "explicit" {
		t.Fatalf("unexpected attack config: %+v", attack)
	}
	if cve.BaseURL != "https://other/" || cve.APIKey != "k2" {
		t.Fatalf("unexpected cve config: %+v", cve)
	}
}

func TestEnricherRoutesLookups(t *testing.T) {
	attackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("attack_id") != "T1059" {
			t.Errorf("unexpected attack query %s", r.URL.RawQuery)
		}
		writePage(w, 1000, 1, "attack-pattern--1")
	}))
	defer attackSrv.Close()

	e := NewEnricher(Config{BaseURL: attackSrv.URL}, Config{}, nil)
	if objs := e.AttackObjects(context.Background(), []string{"T1059"}); len(objs) != 1 {
		t.Fatalf("expected one attack object, got %v", objs)
	}
	if objs := e.CVEObjects(context.Background(), []string{"CVE-2024-3094"}); objs != nil {
		t.Fatalf("unconfigured cve catalog should return nil, got %v", objs)
	}
	if objs := e.AttackObjects(context.Background(), nil); objs != nil {
		t.Fatalf("no ids should return nil")
	}
}
