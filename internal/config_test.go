package internal

import (
	"strings"
	"testing"

	pkgconfig "github.com/starford/folio/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestIndexConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should pass: %v", err)
	}
	if cfg.Index.BatchSize != 16 || cfg.Index.MaxReportErrors != 20 || !cfg.Index.Watch {
		t.Errorf("index defaults = %+v", cfg.Index)
	}
}

func TestIndexConfig_EmptyPolicyDefaultsAuto(t *testing.T) {
	cfg := IndexConfig{BatchSize: 4}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty policy should default: %v", err)
	}
	if cfg.RebuildOnOpen != "auto" {
		t.Errorf("policy = %q, want auto", cfg.RebuildOnOpen)
	}
}

func TestIndexConfig_Invalid(t *testing.T) {
	cases := map[string]IndexConfig{
		"zero batch":     {BatchSize: 0},
		"huge batch":     {BatchSize: 1000},
		"negative cap":   {BatchSize: 4, MaxReportErrors: -1},
		"unknown policy": {BatchSize: 4, RebuildOnOpen: "sometimes"},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestSampleConfigLoads(t *testing.T) {
	t.Setenv("FOLIO_AUTH_TOKEN", "")
	cfg := NewDefaultConfig()
	if err := pkgconfig.Load("../config/config.yaml", cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Index.RebuildOnOpen != "auto" || cfg.Auth.AuthEnabled() || cfg.App.HTTP.Port != 8080 {
		t.Errorf("config = %+v", cfg)
	}
}
