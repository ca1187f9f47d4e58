package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
service:
  httpPort: 8080
  clockSkewSeconds: 30
settlement:
  feeBps: 250
  timeoutHours: 48
  platformAddress: "0x00000000000000000000000000000000000000fe"
  registryAddress: "0x00000000000000000000000000000000000000aa"
store:
  driver: leveldb
  path: /var/lib/marketrails
ledger:
  driver: postgres
  dsn: postgres://ledger@db/marketrails
  genesis:
    "0x000000000000000000000000000000000000000b": "5000"
events:
  kafkaBrokers: ["kafka-1:9092"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settlement.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadReadsFile(t *testing.T) {
	t.Setenv("SETTLEMENT_CONFIG", writeConfig(t, sampleYAML))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Service.ClockSkew != 30*time.Second {
		t.Fatalf("unexpected skew %s", cfg.Service.ClockSkew)
	}
	if cfg.Settlement.FeeBps != 250 || cfg.Settlement.Timeout != 48*time.Hour {
		t.Fatalf("unexpected settlement %+v", cfg.Settlement)
	}
	if cfg.Store.Driver != "leveldb" || cfg.Store.Path != "/var/lib/marketrails" {
		t.Fatalf("unexpected store %+v", cfg.Store)
	}
	if len(cfg.Ledger.Genesis) != 1 {
		t.Fatalf("expected one genesis account, got %d", len(cfg.Ledger.Genesis))
	}
	for _, amount := range cfg.Ledger.Genesis {
		if amount.String() != "5000" {
			t.Fatalf("unexpected genesis amount %s", amount)
		}
	}
	if cfg.Events.Backlog != defaultBacklog || len(cfg.Events.KafkaBrokers) != 1 {
		t.Fatalf("unexpected events %+v", cfg.Events)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SETTLEMENT_CONFIG", writeConfig(t, sampleYAML))
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("SETTLEMENT_FEE_BPS", "0")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.HTTPPort != 9090 {
		t.Fatalf("expected env port, got %d", cfg.Service.HTTPPort)
	}
	if cfg.Settlement.FeeBps != 0 {
		t.Fatalf("expected fee override to zero, got %d", cfg.Settlement.FeeBps)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory driver, got %q", cfg.Store.Driver)
	}
	if len(cfg.Events.KafkaBrokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.Events.KafkaBrokers)
	}
}

func TestDefaultsApplyWithoutFile(t *testing.T) {
	t.Setenv("SETTLEMENT_PLATFORM_ADDRESS", "0x00000000000000000000000000000000000000fe")
	t.Setenv("SETTLEMENT_REGISTRY_ADDRESS", "0x00000000000000000000000000000000000000aa")

	cfg, err := Resolve(&FileConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Settlement.FeeBps != defaultFeeBps || cfg.Settlement.Timeout != defaultTimeout {
		t.Fatalf("unexpected defaults %+v", cfg.Settlement)
	}
	if cfg.Store.Driver != "memory" || cfg.Ledger.Driver != "memory" {
		t.Fatalf("unexpected drivers %q %q", cfg.Store.Driver, cfg.Ledger.Driver)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	body := strings.NewReplacer(
		"feeBps: 250", "feeBps: 20000",
		"driver: leveldb", "driver: mongo",
	).Replace(sampleYAML)
	t.Setenv("SETTLEMENT_CONFIG", writeConfig(t, body))

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"feeBps", "store.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestMissingExplicitFileFails(t *testing.T) {
	t.Setenv("SETTLEMENT_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestMalformedAddressRejected(t *testing.T) {
	t.Setenv("SETTLEMENT_CONFIG", writeConfig(t, strings.Replace(sampleYAML, `"0x00000000000000000000000000000000000000fe"`, `"not-an-address"`, 1)))
	if _, err := Load(); err == nil {
		t.Fatal("expected malformed address error")
	}
}

func TestMemoryLedgerRequiresMemoryStore(t *testing.T) {
	for _, driver := range []string{"file", "leveldb", "postgres"} {
		t.Run(driver, func(t *testing.T) {
			t.Setenv("SETTLEMENT_PLATFORM_ADDRESS", "0x00000000000000000000000000000000000000fe")
			t.Setenv("SETTLEMENT_REGISTRY_ADDRESS", "0x00000000000000000000000000000000000000aa")
			t.Setenv("STORE_DRIVER", driver)
			t.Setenv("STORE_DSN", "postgres://store@db/marketrails")
			t.Setenv("LEDGER_DRIVER", "memory")

			_, err := Resolve(&FileConfig{})
			if err == nil || !strings.Contains(err.Error(), "ledger.driver memory") {
				t.Fatalf("expected memory ledger to be rejected for %s store, got %v", driver, err)
			}
		})
	}
}

func TestPostgresLedgerDefaultsToStoreDSN(t *testing.T) {
	t.Setenv("SETTLEMENT_PLATFORM_ADDRESS", "0x00000000000000000000000000000000000000fe")
	t.Setenv("SETTLEMENT_REGISTRY_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("STORE_DSN", "postgres://store@db/marketrails")
	t.Setenv("LEDGER_DRIVER", "postgres")
	t.Setenv("LEDGER_DSN", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Resolve(&FileConfig{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Ledger.DSN != cfg.Store.DSN {
		t.Fatalf("expected ledger to share %q, got %q", cfg.Store.DSN, cfg.Ledger.DSN)
	}
}

func TestShippedConfigIsValid(t *testing.T) {
	t.Setenv("SETTLEMENT_CONFIG", filepath.Join("..", "..", "settlement.yaml"))
	if _, err := Load(); err != nil {
		t.Fatalf("settlement.yaml: %v", err)
	}
}
