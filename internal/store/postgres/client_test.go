package postgres

import (
	"io/fs"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://u@db/x", Host: "ignored"},
			want: "postgres://u@db/x",
		},
		{
			name: "defaults for port and sslmode",
			cfg:  ClientConfig{Host: "localhost", Database: "coinpair", User: "app", Password: "pw"},
			want: "postgres://app:pw@localhost:5432/coinpair?sslmode=disable",
		},
		{
			name: "credentials are escaped",
			cfg:  ClientConfig{Host: "db", Database: "d", User: "svc", Password: "p@ss/w:rd"},
			want: "postgres://svc:p%40ss%2Fw%3Ard@db:5432/d?sslmode=disable",
		},
		{
			name: "custom port and sslmode",
			cfg:  ClientConfig{Host: "db", Port: 6432, Database: "d", User: "u", Password: "p", SSLMode: "require"},
			want: "postgres://u:p@db:6432/d?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	data, err := migrationsFS.ReadFile("migrations/" + entries[0].Name())
	if err != nil {
		t.Fatal(err)
	}
	for _, table := range []string{"divergence_events", "audit_log"} {
		if !strings.Contains(string(data), table) {
			t.Errorf("first migration does not create %s", table)
		}
	}
}

func TestPendingMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_index.sql": {Data: []byte("CREATE INDEX")},
		"m/001_init.sql":  {Data: []byte("CREATE TABLE")},
		"m/003_seed.sql":  {Data: []byte("INSERT")},
		"m/README.md":     {Data: []byte("notes")},
		"m/old/000_x.sql": {Data: []byte("nested")},
	}
	got, err := pendingMigrations(fsys, "m", map[string]bool{"001_init.sql": true})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"002_index.sql", "003_seed.sql"}; !slices.Equal(got, want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	if _, err := pendingMigrations(fsys, "missing", nil); err == nil {
		t.Fatal("missing dir should fail")
	}
}

func TestPoolConfig(t *testing.T) {
	cfg, err := poolConfig(ClientConfig{Host: "db", Database: "d", User: "u", Password: "p", MaxConns: 7, MinConns: 2})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConns != 7 || cfg.MinConns != 2 || cfg.MaxConnIdleTime != maxConnIdle {
		t.Errorf("pool sizing = %d/%d idle %s", cfg.MaxConns, cfg.MinConns, cfg.MaxConnIdleTime)
	}
	if cfg.ConnConfig.ConnectTimeout != connectTimeout || cfg.ConnConfig.RuntimeParams["application_name"] != applicationName {
		t.Errorf("conn config = %s %v", cfg.ConnConfig.ConnectTimeout, cfg.ConnConfig.RuntimeParams)
	}

	cfg, err = poolConfig(ClientConfig{DSN: "postgres://u@db/d?application_name=ops&connect_timeout=9"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ConnConfig.RuntimeParams["application_name"] != "ops" || cfg.ConnConfig.ConnectTimeout != 9*time.Second {
		t.Errorf("dsn settings overridden: %v %s", cfg.ConnConfig.RuntimeParams, cfg.ConnConfig.ConnectTimeout)
	}

	if _, err := poolConfig(ClientConfig{DSN: "postgres://u@db:notaport/d"}); err == nil {
		t.Error("bad dsn should fail")
	}
}

func TestPageLimit(t *testing.T) {
	for in, want := range map[int]int{-1: 100, 0: 100, 1: 1, 250: 250, 1000: 1000, 5000: 1000} {
		if got := pageLimit(in); got != want {
			t.Errorf("pageLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
