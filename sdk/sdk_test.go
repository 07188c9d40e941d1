// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/datastore"
	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/clock"
	"github.com/bureau-foundation/exthost/lib/testutil"
	"github.com/bureau-foundation/exthost/policy"
)

type staticPolicies struct {
	dir       string
	documents map[string]string
}

func (p *staticPolicies) Get(name string) (*policy.Policy, error) {
	return policy.Parse(name, p.documents[name], "", filepath.Join(p.dir, name), false), nil
}

// syncBuffer is a bytes.Buffer safe for the console's writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type env struct {
	broker  *broker.Broker
	dir     string
	console *syncBuffer
}

func newEnv(t *testing.T, documents map[string]string) *env {
	t.Helper()
	dir := t.TempDir()
	for name := range documents {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	store, err := datastore.OpenSQLite(datastore.SQLiteConfig{
		Path:     filepath.Join(t.TempDir(), "datastore.db"),
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	console := &syncBuffer{}
	return &env{
		broker: broker.New(broker.Config{
			Store:         store,
			Policies:      &staticPolicies{dir: dir, documents: documents},
			ExtensionsDir: dir,
			Console:       broker.NewConsole(console, nil),
		}),
		dir:     dir,
		console: console,
	}
}

func (e *env) host(t *testing.T, name string, options broker.Options) *Host {
	t.Helper()
	token, err := e.broker.Register(name, options)
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	host := New(DirectBackend{Dispatcher: e.broker}, name, token, nil)
	t.Cleanup(func() { host.Close() })
	return host
}

func requireKind(t *testing.T, err error, kind apierror.Kind) {
	t.Helper()
	if !apierror.Is(err, kind) {
		t.Fatalf("err = %v, want kind %s", err, kind)
	}
}

func TestFiles(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})
	ctx := context.Background()

	payload := bytes.Repeat([]byte("exthost "), 1000)
	if err := host.WriteFile(ctx, "notes.txt", payload); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	onDisk, err := os.ReadFile(filepath.Join(e.dir, "alpha", "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, payload) {
		t.Fatal("file on disk differs from what was written")
	}

	read, err := host.ReadFile(ctx, "notes.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(read, payload) {
		t.Fatalf("ReadFile returned %d bytes, want %d", len(read), len(payload))
	}

	if err := host.Copy(ctx, "notes.txt", "copy.txt"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	names, err := host.ListDir(ctx, ".")
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	slices.Sort(names)
	if !slices.Equal(names, []string{"copy.txt", "notes.txt"}) {
		t.Errorf("ListDir = %v", names)
	}

	stat, err := host.Stat(ctx, "copy.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.Size != int64(len(payload)) {
		t.Errorf("Size = %d, want %d", stat.Size, len(payload))
	}

	if err := host.Remove(ctx, "copy.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	exists, err := host.Exists(ctx, "copy.txt")
	if err != nil || exists {
		t.Errorf("Exists after Remove = %v, %v", exists, err)
	}
}

func TestFileSeekAndTell(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})
	ctx := context.Background()

	file, err := host.Open(ctx, "data.bin", "w+b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer file.Close()
	if _, err := file.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := file.Seek(4, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	position, err := file.Tell()
	if err != nil || position != 4 {
		t.Fatalf("Tell = %d, %v", position, err)
	}
	buffer := make([]byte, 3)
	n, err := file.Read(buffer)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buffer[:n]) != "456" {
		t.Errorf("Read = %q, want 456", buffer[:n])
	}
}

func TestFileOutsideGrantsIsDenied(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})

	_, err := host.ReadFile(context.Background(), "/etc/hostname")
	requireKind(t, err, apierror.KindPermissionDenied)
}

func TestDatastore(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})
	ctx := context.Background()

	for i := range 5 {
		key := host.ExtensionKey("items", string(rune('a'+i)))
		if err := host.Set(ctx, key, []byte{byte(i)}); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}
	keys, err := host.Keys(ctx, host.ExtensionKey("items")+"/")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	want := []string{
		"extensions/alpha/items/a",
		"extensions/alpha/items/b",
		"extensions/alpha/items/c",
		"extensions/alpha/items/d",
		"extensions/alpha/items/e",
	}
	if !slices.Equal(keys, want) {
		t.Errorf("Keys = %v, want %v", keys, want)
	}

	type settings struct {
		Color string `json:"color"`
	}
	if err := host.SetJSON(ctx, SharedKey("settings"), settings{Color: "blue"}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var loaded settings
	if err := host.GetJSON(ctx, "shared/settings", &loaded); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if loaded.Color != "blue" {
		t.Errorf("Color = %q", loaded.Color)
	}

	old, existed, err := host.TestAndSet(ctx, "shared/settings", []byte("x"))
	if err != nil || !existed {
		t.Fatalf("TestAndSet = %q, %v, %v", old, existed, err)
	}
	if !strings.Contains(string(old), "blue") {
		t.Errorf("old value = %q", old)
	}

	_, err = host.Get(ctx, "extensions/beta/secret")
	requireKind(t, err, apierror.KindPermissionDenied)
}

func TestLockWaitsForUnlock(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": "", "beta": ""})
	alpha := e.host(t, "alpha", broker.Options{})
	beta := e.host(t, "beta", broker.Options{})
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	held, err := alpha.Lock(ctx, "shared/locks/report", LockOptions{Clock: fake})
	if err != nil {
		t.Fatalf("alpha Lock: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := beta.Lock(ctx, "shared/locks/report", LockOptions{Clock: fake})
		acquired <- err
	}()
	fake.WaitForTimers(1)
	testutil.RequireBlocked(t, acquired, 20*time.Millisecond, "beta acquired a held lock")

	if err := held.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	fake.Advance(time.Millisecond)
	if err := testutil.RequireReceive(t, acquired, 5*time.Second, "beta never acquired"); err != nil {
		t.Fatalf("beta Lock: %v", err)
	}
}

func TestLockStealsStaleLease(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": "", "beta": ""})
	alpha := e.host(t, "alpha", broker.Options{})
	beta := e.host(t, "beta", broker.Options{})
	fake := clock.Fake(time.Unix(1_700_000_000, 0))
	ctx := context.Background()

	if _, err := alpha.Lock(ctx, "shared/locks/job", LockOptions{Clock: fake}); err != nil {
		t.Fatalf("alpha Lock: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		_, err := beta.Lock(ctx, "shared/locks/job", LockOptions{Clock: fake, Timeout: 10 * time.Millisecond})
		acquired <- err
	}()
	fake.WaitForTimers(1)
	fake.Advance(20 * time.Millisecond)
	if err := testutil.RequireReceive(t, acquired, 5*time.Second, "stale lease was never taken"); err != nil {
		t.Fatalf("beta Lock: %v", err)
	}
}

func TestLockCancelled(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	alpha := e.host(t, "alpha", broker.Options{})
	fake := clock.Fake(time.Unix(1_700_000_000, 0))

	if _, err := alpha.Lock(context.Background(), "shared/locks/x", LockOptions{Clock: fake}); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	acquired := make(chan error, 1)
	go func() {
		_, err := alpha.Lock(ctx, "shared/locks/x", LockOptions{Clock: fake})
		acquired <- err
	}()
	fake.WaitForTimers(1)
	cancel()
	err := testutil.RequireReceive(t, acquired, 5*time.Second, "Lock ignored cancellation")
	requireKind(t, err, apierror.KindTransport)
}

func TestOptions(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{Exclusive: true, CustomArgs: map[string]string{"mode": "fast"}})
	ctx := context.Background()

	exclusive, err := host.Exclusive(ctx)
	if err != nil || !exclusive {
		t.Errorf("Exclusive = %v, %v", exclusive, err)
	}
	args, err := host.CustomArgs(ctx)
	if err != nil || args["mode"] != "fast" {
		t.Errorf("CustomArgs = %v, %v", args, err)
	}
}

func TestLogHandlerForwardsRecords(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})

	logger := host.Logger(slog.LevelInfo).With("job", "sync")
	logger.Info("batch done", "count", 3)
	logger.Debug("not forwarded")

	output := e.console.String()
	if !strings.Contains(output, "[alpha] batch done job=sync count=3") {
		t.Errorf("console output %q lacks forwarded record", output)
	}
	if strings.Contains(output, "not forwarded") {
		t.Errorf("debug record forwarded at info level: %q", output)
	}
}

func TestMail(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": "allow_extension beta\n", "beta": ""})
	alpha := e.host(t, "alpha", broker.Options{})
	beta := e.host(t, "beta", broker.Options{})
	ctx := context.Background()

	recipients, err := alpha.Recipients(ctx)
	if err != nil || !slices.Equal(recipients, []string{"beta"}) {
		t.Fatalf("Recipients = %v, %v", recipients, err)
	}
	if err := alpha.Send(ctx, "beta", map[string]int{"n": 1}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	envelopes, err := beta.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(envelopes) != 1 || envelopes[0].From != "alpha" {
		t.Fatalf("envelopes = %+v", envelopes)
	}
	var message map[string]int
	if err := json.Unmarshal(envelopes[0].Message, &message); err != nil || message["n"] != 1 {
		t.Errorf("message = %s (%v)", envelopes[0].Message, err)
	}

	err = beta.Send(ctx, "alpha", "hi")
	requireKind(t, err, apierror.KindPermissionDenied)
}

// claimRequest claims request for name, waiting for a listener to
// register.
func claimRequest(t *testing.T, b *broker.Broker, name string, writer http.ResponseWriter, request *http.Request, path string) *broker.Claim {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		changed := b.RegistrationChanged()
		if claim, status := b.Claim(name, writer, request, path); status == broker.ClaimOK {
			return claim
		}
		select {
		case <-changed:
		case <-deadline:
			t.Fatalf("no listener claimed %s %s", request.Method, path)
		}
	}
}

func serveOnce(t *testing.T, b *broker.Broker, name, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, "/"+name+path, strings.NewReader(body))
	claim := claimRequest(t, b, name, recorder, request, path)
	testutil.RequireClosed(t, claim.Done(), 5*time.Second, "handler never finished")
	b.Release(claim)
	return recorder
}

func TestHandleRoutesConnections(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})

	err := host.Handle("GET", `/items/(?P<id>[0-9]+)`, func(conn *Connection) {
		conn.SendJSON(map[string]string{"id": conn.Args["id"], "q": conn.Query.Get("q")})
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	err = host.Handle("POST", `/echo`, func(conn *Connection) {
		var payload map[string]string
		if err := conn.ReceiveJSON(&payload); err != nil {
			conn.SetStatus(http.StatusBadRequest)
			conn.SendText(err.Error())
			return
		}
		conn.SendJSON(payload)
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	recorder := serveOnce(t, e.broker, "alpha", "GET", "/items/42?q=x", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	var decoded map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("body %q: %v", recorder.Body.String(), err)
	}
	if decoded["id"] != "42" || decoded["q"] != "x" {
		t.Errorf("decoded = %v", decoded)
	}

	recorder = serveOnce(t, e.broker, "alpha", "POST", "/echo", `{"word":"hello"}`)
	if !strings.Contains(recorder.Body.String(), `"word":"hello"`) {
		t.Errorf("echo body = %q", recorder.Body.String())
	}

	recorder = serveOnce(t, e.broker, "alpha", "GET", "/nowhere", "")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("unmatched route status = %d, want 404", recorder.Code)
	}
}

func TestConnectionCookies(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})

	host.Listen("GET", "/whoami", func(conn *Connection) {
		conn.SendText(conn.UserID())
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest("GET", "/alpha/whoami", nil)
	request.AddCookie(&http.Cookie{Name: UserCookie, Value: "known-user"})
	claim := claimRequest(t, e.broker, "alpha", recorder, request, "/whoami")
	testutil.RequireClosed(t, claim.Done(), 5*time.Second, "handler never finished")
	e.broker.Release(claim)

	if recorder.Body.String() != "known-user" {
		t.Errorf("UserID = %q, want the cookie value", recorder.Body.String())
	}
	if recorder.Header().Get("Set-Cookie") != "" {
		t.Errorf("known user was issued a new cookie: %q", recorder.Header().Get("Set-Cookie"))
	}
}

func TestServeStatic(t *testing.T) {
	e := newEnv(t, map[string]string{"alpha": ""})
	host := e.host(t, "alpha", broker.Options{})
	static := filepath.Join(e.dir, "alpha", "static")
	if err := os.MkdirAll(static, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(static, "site.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := host.ServeStatic("/static", "static"); err != nil {
		t.Fatalf("ServeStatic: %v", err)
	}

	recorder := serveOnce(t, e.broker, "alpha", "GET", "/static/site.css", "")
	if recorder.Body.String() != "body{}" {
		t.Errorf("body = %q", recorder.Body.String())
	}
	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/css") {
		t.Errorf("Content-Type = %q", got)
	}

	recorder = serveOnce(t, e.broker, "alpha", "GET", "/static/missing.css", "")
	if recorder.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d", recorder.Code)
	}
}
