package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bigbag/flashlog/internal/recstore"
)

const testConfig = `
device:
  backend: image
  image: %s
store:
  total_size: 131072
  index_area_size: 16384
  cache_capacity: 8
log:
  level: error
export:
  sqlite: %s
`

type cli struct {
	t      *testing.T
	config string
	dir    string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "flashlog.yaml")
	body := fmt.Sprintf(testConfig, filepath.Join(dir, "flash.img"), filepath.Join(dir, "archive.db"))
	if err := os.WriteFile(cfg, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return &cli{t: t, config: cfg, dir: dir}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(append([]string{"--config", c.config}, args...))
	err := root.Execute()
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	if err != nil {
		c.t.Fatalf("flashlog %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestCLI_StoreAndRead(t *testing.T) {
	c := newCLI(t)

	if out := c.mustRun("store", "--text", "hello flash"); !strings.Contains(out, "Stored record 1 (11 bytes)") {
		t.Errorf("store output = %q", out)
	}
	c.mustRun("store", "--text", "second")

	if out := c.mustRun("read", "1"); out != "hello flash" {
		t.Errorf("read 1 = %q, want %q", out, "hello flash")
	}
	if out := c.mustRun("read", "2", "--hex"); !strings.Contains(out, "Record 2 at 0x") {
		t.Errorf("read --hex output = %q", out)
	}

	out := c.mustRun("info")
	for _, want := range []string{"Records:      2", "Next ID:      3", "Winbond W25Q64", "State:        ready"} {
		if !strings.Contains(out, want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestCLI_StoreFromFile(t *testing.T) {
	c := newCLI(t)
	path := filepath.Join(c.dir, "payload.bin")
	if err := os.WriteFile(path, []byte{0x00, 0xC0, 0xFF}, 0o644); err != nil {
		t.Fatal(err)
	}

	c.mustRun("store", path)
	if out := c.mustRun("read", "1"); out != "\x00\xC0\xFF" {
		t.Errorf("read 1 = %q", out)
	}
}

func TestCLI_Latest(t *testing.T) {
	c := newCLI(t)
	for i := 1; i <= 3; i++ {
		c.mustRun("store", "--text", fmt.Sprintf("record %d", i))
	}

	out := c.mustRun("latest", "-n", "2")
	if strings.Contains(out, `"record 1"`) {
		t.Errorf("latest -n 2 includes record 1:\n%s", out)
	}
	if strings.Index(out, `"record 2"`) > strings.Index(out, `"record 3"`) {
		t.Errorf("latest not oldest first:\n%s", out)
	}
}

func TestCLI_ReadErrors(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("read", "42")
	if !errors.Is(err, recstore.ErrNotFound) {
		t.Errorf("read 42 error = %v, want ErrNotFound", err)
	}
	if exitCode(err) != int(recstore.KindNotFound) {
		t.Errorf("exitCode() = %d, want %d", exitCode(err), recstore.KindNotFound)
	}

	_, err = c.run("read", "abc")
	if !errors.Is(err, recstore.ErrInvalidParam) {
		t.Errorf("read abc error = %v, want ErrInvalidParam", err)
	}
}

func TestCLI_StoreNeedsPayload(t *testing.T) {
	c := newCLI(t)
	if _, err := c.run("store"); err == nil {
		t.Error("store without payload expected error")
	}
	if _, err := c.run("store", "x", "--text", "y"); err == nil {
		t.Error("store with file and --text expected error")
	}
}

func TestCLI_FillUntilFull(t *testing.T) {
	c := newCLI(t)

	// 112 KB of data area holds 28 sector-aligned records.
	out := c.mustRun("fill", "--count", "40", "--size", "100")
	if !strings.Contains(out, "Store full after 28 records") {
		t.Errorf("fill output = %q", out)
	}

	_, err := c.run("store", "--text", "one more")
	if !errors.Is(err, recstore.ErrFull) {
		t.Errorf("store on full device error = %v, want ErrFull", err)
	}
}

func TestCLI_ScanAndStatus(t *testing.T) {
	c := newCLI(t)
	c.mustRun("fill", "--count", "3", "--size", "10")

	out := c.mustRun("scan", "--save")
	if !strings.Contains(out, "Found 3 records, next ID 4") || !strings.Contains(out, "Index saved") {
		t.Errorf("scan output = %q", out)
	}

	out = c.mustRun("status")
	if !strings.Contains(out, "Total records:      3") {
		t.Errorf("status output missing record count:\n%s", out)
	}
	if !strings.Contains(out, "Cache[0]: ID=1") {
		t.Errorf("status output missing cache dump:\n%s", out)
	}
}

func TestCLI_Export(t *testing.T) {
	c := newCLI(t)
	c.mustRun("fill", "--count", "5", "--size", "20")

	out := c.mustRun("export")
	if !strings.Contains(out, "Exported 5 records (0 skipped)") {
		t.Errorf("export output = %q", out)
	}

	_, session, ok := strings.Cut(out, "Session: ")
	if !ok {
		t.Fatalf("export output has no session id: %q", out)
	}
	session = strings.TrimSpace(session)

	out = c.mustRun("export", "--list")
	if !strings.Contains(out, "5 records") || !strings.Contains(out, "image:") {
		t.Errorf("export --list output = %q", out)
	}

	out = c.mustRun("export", "--show", session)
	if lines := strings.Split(strings.TrimSpace(out), "\n"); len(lines) != 6 {
		t.Errorf("export --show printed %d lines, want header and 5 records:\n%s", len(lines), out)
	}
	if !strings.Contains(out, `"fill 000000 fill 000"`) {
		t.Errorf("export --show output missing record 1 payload:\n%s", out)
	}

	if out := c.mustRun("export", "--show", "no-such-session"); !strings.Contains(out, "No records in session") {
		t.Errorf("export --show unknown session = %q", out)
	}
}

func TestCLI_ConfigErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs([]string{"--backend", "usb", "info"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "device.backend") {
		t.Errorf("Execute() error = %v, want backend validation error", err)
	}
}

func TestCLI_Version(t *testing.T) {
	c := newCLI(t)
	if out := c.mustRun("version"); !strings.HasPrefix(out, "flashlog dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestPreview(t *testing.T) {
	if got := preview([]byte("abc")); got != `"abc"` {
		t.Errorf("preview(abc) = %s", got)
	}
	long := bytes.Repeat([]byte("x"), previewLen+5)
	if got := preview(long); !strings.HasSuffix(got, `"...`) {
		t.Errorf("preview(long) = %s, want truncated", got)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("plain"), 1},
		{fmt.Errorf("x: %w", recstore.ErrFull), int(recstore.KindFull)},
		{fmt.Errorf("x: %w", recstore.ErrCrc), int(recstore.KindCrc)},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
