package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/wxvault/internal/config"
	"github.com/wesm/wxvault/internal/testutil"
	"github.com/wesm/wxvault/internal/testutil/wxtest"
)

// newTestRootCmd creates a fresh root command for testing, avoiding mutation
// of the global rootCmd which could cause race conditions in parallel tests.
func newTestRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wxvault",
		Short: "Read-only HTTP API over a decrypted chat export",
	}
}

// TestExecuteContext_CancellationPropagates verifies that context cancellation
// from ExecuteContext propagates to command handlers.
func TestExecuteContext_CancellationPropagates(t *testing.T) {
	var contextWasCancelled atomic.Bool
	handlerStarted := make(chan struct{})

	testRoot := newTestRootCmd()
	testRoot.AddCommand(&cobra.Command{
		Use: "test-cancel",
		RunE: func(cmd *cobra.Command, args []string) error {
			close(handlerStarted)
			select {
			case <-cmd.Context().Done():
				contextWasCancelled.Store(true)
				return cmd.Context().Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		testRoot.SetArgs([]string{"test-cancel"})
		done <- testRoot.ExecuteContext(ctx)
	}()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("command handler did not start in time")
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled error, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command did not return after cancellation")
	}
	if !contextWasCancelled.Load() {
		t.Error("handler did not observe cancellation")
	}
}

func withTestGlobals(t *testing.T) {
	t.Helper()
	oldCfg, oldLogger := cfg, logger
	oldDB, oldKey, oldPort, oldBind, oldRefresh := dbPath, authKey, port, bindAddr, refreshInterval
	t.Cleanup(func() {
		cfg, logger = oldCfg, oldLogger
		dbPath, authKey, port, bindAddr, refreshInterval = oldDB, oldKey, oldPort, oldBind, oldRefresh
	})
	cfg = config.NewDefaultConfig()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func flagCmd() *cobra.Command {
	c := newTestRootCmd()
	f := c.Flags()
	f.StringVarP(&dbPath, "db-path", "d", "", "")
	f.StringVarP(&authKey, "auth-key", "k", "", "")
	f.IntVarP(&port, "port", "p", config.DefaultPort, "")
	f.StringVar(&bindAddr, "bind", config.DefaultBindAddr, "")
	f.StringVarP(&refreshInterval, "refresh-interval", "r", "300", "")
	return c
}

func TestApplyFlags(t *testing.T) {
	withTestGlobals(t)

	t.Run("flags override config", func(t *testing.T) {
		c := flagCmd()
		if err := c.ParseFlags([]string{"-d", "/srv/x", "-k", "key", "-p", "9000", "-r", "45"}); err != nil {
			t.Fatal(err)
		}
		conf := config.NewDefaultConfig()
		conf.Server.AuthKey = "from-file"
		if err := applyFlags(c, conf); err != nil {
			t.Fatalf("applyFlags: %v", err)
		}
		if conf.Data.DBPath != "/srv/x" || conf.Server.AuthKey != "key" || conf.Server.Port != 9000 {
			t.Errorf("config = %+v", conf)
		}
		if conf.Cache.RefreshInterval.Duration != 45*time.Second {
			t.Errorf("refresh = %s, want 45s", conf.Cache.RefreshInterval)
		}
	})

	t.Run("unset flags keep config values", func(t *testing.T) {
		c := flagCmd()
		if err := c.ParseFlags(nil); err != nil {
			t.Fatal(err)
		}
		conf := config.NewDefaultConfig()
		conf.Server.Port = 7000
		conf.Server.AuthKey = "from-file"
		if err := applyFlags(c, conf); err != nil {
			t.Fatalf("applyFlags: %v", err)
		}
		if conf.Server.Port != 7000 || conf.Server.AuthKey != "from-file" {
			t.Errorf("config = %+v", conf.Server)
		}
	})

	t.Run("duration refresh interval", func(t *testing.T) {
		c := flagCmd()
		if err := c.ParseFlags([]string{"--refresh-interval", "2m"}); err != nil {
			t.Fatal(err)
		}
		conf := config.NewDefaultConfig()
		if err := applyFlags(c, conf); err != nil {
			t.Fatalf("applyFlags: %v", err)
		}
		if conf.Cache.RefreshInterval.Duration != 2*time.Minute {
			t.Errorf("refresh = %s, want 2m", conf.Cache.RefreshInterval)
		}
	})

	t.Run("bad refresh interval", func(t *testing.T) {
		c := flagCmd()
		if err := c.ParseFlags([]string{"-r", "soon"}); err != nil {
			t.Fatal(err)
		}
		if err := applyFlags(c, config.NewDefaultConfig()); err == nil {
			t.Error("applyFlags should reject an unparseable interval")
		}
	})
}

func TestRunServeValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"missing auth key", func(c *config.Config) { c.Server.AuthKey = "" }, "auth key"},
		{"missing db path", func(c *config.Config) { c.Data.DBPath = "" }, "db path"},
		{"port out of range", func(c *config.Config) { c.Server.Port = 70000 }, "port"},
		{"refresh too short", func(c *config.Config) { c.Cache.RefreshInterval.Duration = 5 * time.Second }, "refresh interval"},
		{"missing contact file", func(c *config.Config) { c.Data.DBPath = t.TempDir() }, "contact"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withTestGlobals(t)
			cfg.Data.DBPath = "/nonexistent"
			cfg.Server.AuthKey = "key"
			tt.mutate(cfg)

			c := newTestRootCmd()
			c.SetContext(context.Background())
			err := runServe(c, nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("runServe() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewLoggerJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, false).Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, false).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug should be filtered without --verbose, got %q", buf.String())
	}
	newLogger(&buf, true).Debug("shown")
	if buf.Len() == 0 {
		t.Error("debug should be logged with --verbose")
	}
}

func TestLocateWithoutDBPath(t *testing.T) {
	withTestGlobals(t)

	var out bytes.Buffer
	c := newTestRootCmd()
	c.SetOut(&out)
	if err := runLocate(c, []string{"wxid_a", "12345@chatroom"}); err != nil {
		t.Fatalf("runLocate: %v", err)
	}
	want := "wxid_a\t" + wxtest.TableName("wxid_a") + "\n" +
		"12345@chatroom\t" + wxtest.TableName("12345@chatroom") + "\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestLocateWithDBPath(t *testing.T) {
	withTestGlobals(t)
	ds := wxtest.New(t)
	ds.AddMessages(1, "wxid_a", wxtest.Message{CreateTime: 1, LocalType: 1, Content: "x"})
	cfg.Data.DBPath = ds.Root

	var out bytes.Buffer
	c := newTestRootCmd()
	c.SetOut(&out)
	c.SetContext(context.Background())
	if err := runLocate(c, []string{"wxid_a", "wxid_b"}); err != nil {
		t.Fatalf("runLocate: %v", err)
	}
	testutil.AssertContainsAll(t, out.String(), []string{
		wxtest.TableName("wxid_a"),
		ds.ShardPath(1),
		wxtest.TableName("wxid_b"),
		"(no messages)",
	})
}
