package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/circuitd/adapter"
	"github.com/pithecene-io/circuitd/cli/config"
	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/service"
	"github.com/pithecene-io/circuitd/types"
)

var (
	zkeyBody = bytes.Repeat([]byte{0x5a}, 300_000)
	wasmBody = bytes.Repeat([]byte{0x77}, 40_000)
)

func newApp(out *bytes.Buffer) *cli.App {
	return &cli.App{
		Name:   "circuitd",
		Writer: out,
		Commands: []*cli.Command{
			ServeCommand(),
			AddCommand(),
			StatusCommand(),
			FetchCommand(),
			PingCommand(),
			VersionCommand("test"),
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// run executes one command line and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).RunContext(t.Context(), append([]string{"circuitd"}, args...))
	return out.String(), err
}

// startServe runs the background process on a fresh unix socket.
func startServe(t *testing.T, cfg config.Config) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s")

	cfg.Listen = config.ListenConfig{Network: "unix", Address: sock}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, log.Nop()) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("serve did not return after cancel")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := run(t, "ping", "--address", sock); err == nil {
			return sock
		}
		if time.Now().After(deadline) {
			t.Fatal("serve did not come up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func fileServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := wasmBody
		if strings.HasSuffix(r.URL.Path, ".zkey") {
			body = zkeyBody
		}
		http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitStatus(t *testing.T, sock, name string) types.Circuit {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		out, err := run(t, "status", "--address", sock, "--format", "json", name)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		var circuits []types.Circuit
		if err := json.Unmarshal([]byte(out), &circuits); err != nil {
			t.Fatalf("status output is not json: %v\n%s", err, out)
		}
		if len(circuits) == 1 && !circuits[0].State.Loading {
			return circuits[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("circuit %s still loading: %s", name, out)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPing(t *testing.T) {
	sock := startServe(t, config.Config{})
	out, err := run(t, "ping", "--address", sock, "hello")
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if strings.TrimSpace(out) != "received hello, pong you back" {
		t.Errorf("ping output = %q", out)
	}
}

func TestPing_Unreachable(t *testing.T) {
	_, err := run(t, "ping", "--address", filepath.Join(t.TempDir(), "missing.sock"))
	var exit cli.ExitCoder
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &exit) || exit.ExitCode() != exitUnavailable {
		t.Errorf("expected exit code %d, got %v", exitUnavailable, err)
	}
}

func TestAddStatusFetch(t *testing.T) {
	files := fileServer(t)
	sock := startServe(t, config.Config{Fetch: config.FetchConfig{ChunkSize: 64 * 1024}})

	out, err := run(t, "add", "--address", sock, "--format", "json",
		"--zkey-url", files.URL+"/auth.zkey", "--zkey-version", "1",
		"--wasm-url", files.URL+"/auth.wasm", "--wasm-version", "1",
		"--chunk-size", "65536",
		"auth")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	var added service.AddResponse
	if err := json.Unmarshal([]byte(out), &added); err != nil {
		t.Fatalf("add output: %v\n%s", err, out)
	}
	if !added.Started {
		t.Errorf("expected a started transfer: %s", out)
	}

	ready := waitStatus(t, sock, "auth")
	if ready.State.ZKeyProgress != 100 || ready.State.WasmProgress != 100 {
		t.Errorf("state = %+v", ready.State)
	}

	dir := t.TempDir()
	streamed := filepath.Join(dir, "auth.zkey")
	if _, err := run(t, "fetch", "--address", sock, "--format", "json", "-o", streamed, "auth", "zkey"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(streamed)
	if err != nil || !bytes.Equal(got, zkeyBody) {
		t.Errorf("streamed file mismatch: %d bytes, err %v", len(got), err)
	}

	out, err = run(t, "fetch", "--address", sock, "--unary", "-o", "-", "auth", "wasm")
	if err != nil {
		t.Fatalf("fetch --unary: %v", err)
	}
	if out != string(wasmBody) {
		t.Errorf("unary fetch to stdout returned %d bytes, want %d", len(out), len(wasmBody))
	}

	out, err = run(t, "status", "--address", sock, "--format", "table", "--no-color")
	if err != nil {
		t.Fatalf("status table: %v", err)
	}
	if !strings.Contains(out, "auth") || !strings.Contains(out, "ready") {
		t.Errorf("status table = %q", out)
	}
}

func TestAdd_FromFile(t *testing.T) {
	files := fileServer(t)
	sock := startServe(t, config.Config{})

	path := filepath.Join(t.TempDir(), "vote.yaml")
	body := "name: vote\nzkey:\n  url: " + files.URL + "/vote.zkey\n  version: \"2\"\nwasm:\n  url: " + files.URL + "/vote.wasm\n  version: \"2\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "add", "--address", sock, "--file", path); err != nil {
		t.Fatalf("add --file: %v", err)
	}
	waitStatus(t, sock, "vote")
}

func TestAdd_InvalidCircuit(t *testing.T) {
	_, err := run(t, "add", "--zkey-url", "https://cdn.example.com/a.zkey", "auth")
	var exit cli.ExitCoder
	if err == nil || !errors.As(err, &exit) || exit.ExitCode() != exitConfig {
		t.Errorf("expected config exit, got %v", err)
	}
}

func TestStatus_Unknown(t *testing.T) {
	sock := startServe(t, config.Config{})
	_, err := run(t, "status", "--address", sock, "ghost")
	var exit cli.ExitCoder
	if err == nil || !errors.As(err, &exit) || exit.ExitCode() != exitFailure {
		t.Errorf("expected failure exit, got %v", err)
	}
}

func TestServe_RegistersConfiguredCircuits(t *testing.T) {
	files := fileServer(t)
	sock := startServe(t, config.Config{
		Circuits: []types.Circuit{{
			Name: "auth",
			ZKey: types.ArtifactDescriptor{URL: files.URL + "/auth.zkey", Version: "1"},
			Wasm: types.ArtifactDescriptor{URL: files.URL + "/auth.wasm", Version: "1"},
		}},
	})
	waitStatus(t, sock, "auth")
}

func TestFetch_Usage(t *testing.T) {
	_, err := run(t, "fetch", "auth")
	var exit cli.ExitCoder
	if err == nil || !errors.As(err, &exit) || exit.ExitCode() != exitConfig {
		t.Errorf("expected usage exit, got %v", err)
	}
	_, err = run(t, "fetch", "auth", "r1cs")
	if err == nil || !strings.Contains(err.Error(), "unknown file kind") {
		t.Errorf("expected file kind error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version", "--format", "json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var v VersionResponse
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("version output: %v", err)
	}
	if v.Version != types.Version || v.Commit != "test" {
		t.Errorf("version = %+v", v)
	}
}

func TestResolveConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuitd.yaml")
	yaml := "log_level: warn\nstorage:\n  backend: memory\n  compression: lz4\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	var got config.Config
	cmd := ServeCommand()
	cmd.Action = func(c *cli.Context) error {
		var err error
		got, err = resolveConfig(c)
		return err
	}
	app := &cli.App{Commands: []*cli.Command{cmd}, Writer: &bytes.Buffer{}}
	err := app.RunContext(t.Context(), []string{"circuitd", "serve",
		"--config", path, "--compression", "zstd", "--max-attempts", "4", "--ttl", "1h"})
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}

	if got.LogLevel != "warn" {
		t.Errorf("log_level from file lost: %q", got.LogLevel)
	}
	if got.Storage.Compression != "zstd" {
		t.Errorf("compression flag ignored: %q", got.Storage.Compression)
	}
	if got.Fetch.MaxAttempts != 4 || got.Storage.TTL.Duration != time.Hour {
		t.Errorf("fetch/ttl flags ignored: %+v %v", got.Fetch, got.Storage.TTL)
	}
	if got.Listen.Address != config.DefaultSocket {
		t.Errorf("defaults not applied: %+v", got.Listen)
	}
}

func TestResolveConfig_Invalid(t *testing.T) {
	cmd := ServeCommand()
	cmd.Action = func(c *cli.Context) error {
		_, err := resolveConfig(c)
		return err
	}
	app := &cli.App{Commands: []*cli.Command{cmd}, Writer: &bytes.Buffer{}, ExitErrHandler: func(*cli.Context, error) {}}
	err := app.RunContext(t.Context(), []string{"circuitd", "serve", "--storage-backend", "badger"})
	var exit cli.ExitCoder
	if err == nil || !errors.As(err, &exit) || exit.ExitCode() != exitConfig {
		t.Errorf("expected config exit, got %v", err)
	}
}

func TestBuildStore(t *testing.T) {
	store, err := buildStore(config.StorageConfig{Backend: "badger", Path: t.TempDir(), Compression: "zstd"}, log.Nop())
	if err != nil {
		t.Fatalf("badger store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	if _, err := buildStore(config.StorageConfig{Backend: "memory", Compression: "gzip"}, log.Nop()); err == nil {
		t.Error("expected error for unknown compression")
	}
	if _, err := buildStore(config.StorageConfig{Backend: "lode"}, log.Nop()); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestBuildAdapters(t *testing.T) {
	sinks, err := buildAdapters(nil)
	if err != nil || sinks != nil {
		t.Fatalf("no adapters: %v %v", sinks, err)
	}

	mr := miniredis.RunT(t)
	zero := 0
	sinks, err = buildAdapters([]config.AdapterConfig{
		{Type: "webhook", URL: "http://127.0.0.1:1/hook", Events: []string{"circuit_finished"}, Retries: &zero},
		{Type: "redis", URL: "redis://" + mr.Addr(), Channel: "transfers"},
	})
	if err != nil {
		t.Fatalf("buildAdapters: %v", err)
	}
	t.Cleanup(func() { _ = sinks.Close() })

	multi, ok := sinks.(adapter.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("expected two sinks, got %T %v", sinks, sinks)
	}

	// Progress events are filtered out by the webhook and reach redis.
	sub := mr.NewSubscriber()
	sub.Subscribe("transfers")
	err = sinks.Publish(t.Context(), &adapter.TransferEvent{
		EventType: types.EventTypeProgress,
		Circuit:   "auth",
		File:      types.FileZKey,
		Progress:  33,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-sub.Messages():
		if !strings.Contains(msg.Message, `"circuit":"auth"`) {
			t.Errorf("unexpected message %s", msg.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("redis did not receive the event")
	}

	if _, err := buildAdapters([]config.AdapterConfig{{Type: "redis", URL: "not a url"}}); err == nil {
		t.Error("expected error for invalid redis url")
	}
}
