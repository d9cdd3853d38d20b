package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sitebox/internal/config"
	"github.com/jkaninda/sitebox/internal/site"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistrar is a scriptable EngineRegistrar.
type fakeRegistrar struct {
	installs []Installation
	listErr  error
	startErr error
	started  []Installation
}

func (f *fakeRegistrar) ListInstalledEngines(_ context.Context, _ Protocol) ([]Installation, error) {
	return f.installs, f.listErr
}

func (f *fakeRegistrar) StartEngine(_ context.Context, inst Installation) error {
	f.started = append(f.started, inst)
	return f.startErr
}

func testVerifier(reg *fakeRegistrar) *Verifier {
	cfg := config.StorageConfig{StartGraceS: 1, HandshakeTimeoutS: 1}
	return NewVerifier(reg, cfg, testLogger())
}

func testCreds() Credentials {
	return Credentials{Host: "127.0.0.1", Port: 5432, User: "postgres", Database: "postgres"}
}

func TestVerifyEmbeddedIsTriviallyReachable(t *testing.T) {
	v := testVerifier(&fakeRegistrar{})
	res := v.Verify(context.Background(), KindSQLite, testCreds())
	if !res.Reachable || res.EngineKind != KindSQLite {
		t.Errorf("embedded verify: %+v", res)
	}
	if res.Unavailable() != nil {
		t.Error("Unavailable() should be nil for a reachable probe")
	}
}

func TestVerifyNoInstallations(t *testing.T) {
	v := testVerifier(&fakeRegistrar{})
	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if res.Reachable {
		t.Fatal("reachable with nothing installed")
	}
	if res.FailureReason != site.ProbeFailureNotInstalled {
		t.Errorf("reason = %s, want not_installed", res.FailureReason)
	}

	var unavailable *site.BackendUnavailableError
	if !errors.As(res.Unavailable(), &unavailable) {
		t.Fatalf("Unavailable() = %T", res.Unavailable())
	}
}

func TestVerifyHandshakeSuccess(t *testing.T) {
	reg := &fakeRegistrar{installs: []Installation{{Kind: KindPostgres, Version: "16"}}}
	v := testVerifier(reg)
	v.dial = func(string, time.Duration) bool { return true }
	v.handshake = func(context.Context, string) (string, error) {
		return "PostgreSQL 16.3", nil
	}

	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if !res.Reachable {
		t.Fatalf("not reachable: %+v", res)
	}
	if res.EngineKind != KindPostgres || res.Version != "PostgreSQL 16.3" {
		t.Errorf("probe result: %+v", res)
	}
	if len(reg.started) != 0 {
		t.Error("engine started despite already listening")
	}
}

func TestVerifyStartsEngineWhenNotListening(t *testing.T) {
	reg := &fakeRegistrar{installs: []Installation{{Kind: KindPostgres, Version: "16"}}}
	v := testVerifier(reg)

	calls := 0
	v.dial = func(string, time.Duration) bool {
		calls++
		return calls > 1 // Unreachable before start, reachable after.
	}
	v.handshake = func(context.Context, string) (string, error) { return "PostgreSQL 16.3", nil }

	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if !res.Reachable {
		t.Fatalf("not reachable: %+v", res)
	}
	if len(reg.started) != 1 {
		t.Errorf("started %d engines, want 1", len(reg.started))
	}
}

func TestVerifyStartFailure(t *testing.T) {
	reg := &fakeRegistrar{
		installs: []Installation{{Kind: KindPostgres, Version: "16"}},
		startErr: errors.New("pg_ctl: permission denied"),
	}
	v := testVerifier(reg)
	v.dial = func(string, time.Duration) bool { return false }

	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if res.Reachable || res.FailureReason != site.ProbeFailureStartFailed {
		t.Errorf("probe result: %+v", res)
	}
}

func TestVerifyStartedButNeverReachable(t *testing.T) {
	reg := &fakeRegistrar{installs: []Installation{{Kind: KindPostgres, Version: "16"}}}
	v := testVerifier(reg)
	v.dial = func(string, time.Duration) bool { return false }

	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if res.Reachable || res.FailureReason != site.ProbeFailureNotRunning {
		t.Errorf("probe result: %+v", res)
	}
}

func TestVerifyAuthFailure(t *testing.T) {
	reg := &fakeRegistrar{installs: []Installation{{Kind: KindPostgres, Version: "16"}}}
	v := testVerifier(reg)
	v.dial = func(string, time.Duration) bool { return true }
	v.handshake = func(context.Context, string) (string, error) {
		return "", errors.New(`pq: password authentication failed for user "postgres"`)
	}

	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if res.Reachable || res.FailureReason != site.ProbeFailureAuthFailed {
		t.Errorf("probe result: %+v", res)
	}
}

func TestVerifyHandshakeTimeout(t *testing.T) {
	reg := &fakeRegistrar{installs: []Installation{{Kind: KindPostgres, Version: "16"}}}
	v := testVerifier(reg)
	v.dial = func(string, time.Duration) bool { return true }
	v.handshake = func(ctx context.Context, _ string) (string, error) {
		return "", context.DeadlineExceeded
	}

	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if res.Reachable || res.FailureReason != site.ProbeFailureTimeout {
		t.Errorf("probe result: %+v", res)
	}
}

func TestVerifyMatchesByProtocolNotVendor(t *testing.T) {
	// A cockroach install satisfies a request for the reference engine.
	reg := &fakeRegistrar{installs: []Installation{{Kind: KindCockroach, Version: "24.1"}}}
	v := testVerifier(reg)
	v.dial = func(string, time.Duration) bool { return true }
	v.handshake = func(context.Context, string) (string, error) {
		return "CockroachDB CCL v24.1.0", nil
	}

	res := v.Verify(context.Background(), KindPostgres, testCreds())
	if !res.Reachable {
		t.Fatalf("not reachable: %+v", res)
	}
	if res.EngineKind != KindCockroach {
		t.Errorf("EngineKind = %s, want the actual vendor recorded", res.EngineKind)
	}
}

func TestKindProtocolAndBackend(t *testing.T) {
	if KindSQLite.Protocol() != ProtocolFile || KindSQLite.Backend() != site.BackendEmbedded {
		t.Error("sqlite classification wrong")
	}
	for _, k := range []Kind{KindPostgres, KindCockroach} {
		if k.Protocol() != ProtocolPGWire || k.Backend() != site.BackendClientServer {
			t.Errorf("%s classification wrong", k)
		}
	}
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"sqlite", "postgresql", "cockroach"} {
		if _, err := ParseKind(s); err != nil {
			t.Errorf("ParseKind(%q): %v", s, err)
		}
	}
	if _, err := ParseKind("mysql"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestCredentialsDSN(t *testing.T) {
	creds := Credentials{Host: "127.0.0.1", Port: 5432, User: "postgres", Password: "secret"}
	dsn := creds.DSN(5 * time.Second)
	for _, want := range []string{"host=127.0.0.1", "port=5432", "user=postgres", "dbname=postgres", "sslmode=disable", "connect_timeout=5", "password=secret"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN missing %q: %s", want, dsn)
		}
	}

	noPass := Credentials{Host: "h", Port: 1, User: "u", Database: "mydb"}
	if strings.Contains(noPass.DSN(time.Second), "password=") {
		t.Error("DSN includes empty password")
	}
	if !strings.Contains(noPass.DSN(time.Second), "dbname=mydb") {
		t.Error("DSN ignores explicit database")
	}
}

func TestDatabaseName(t *testing.T) {
	got := DatabaseName("0191d8a4-b7c2-7a31-9e44-1f2a3b4c5d6e")
	if strings.Contains(got, "-") {
		t.Errorf("database name contains hyphens: %s", got)
	}
	if !strings.HasPrefix(got, "sitebox_") {
		t.Errorf("database name missing prefix: %s", got)
	}
}
