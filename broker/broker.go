// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/exthost/datastore"
	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/policy"
)

// tokenBytes is the entropy in a capability token.
const tokenBytes = 24

// Policies supplies parsed policies by extension name.
type Policies interface {
	Get(name string) (*policy.Policy, error)
}

// Launcher starts an extension on demand. The supervisor implements
// it; the broker uses it to deliver mail to stopped extensions and the
// router uses it for inbound requests.
type Launcher interface {
	EnsureRunning(ctx context.Context, name string) error
}

// Options are per-run extension settings readable by the extension
// through extension_options_get.
type Options struct {
	// Exclusive is set when the host was started to run only this
	// extension.
	Exclusive bool `json:"exclusive"`

	// CustomArgs holds the "@key value" arguments from the command
	// line.
	CustomArgs map[string]string `json:"custom_args"`
}

// Config configures a Broker.
type Config struct {
	Store    datastore.Store
	Policies Policies

	// ExtensionsDir anchors relative file paths: an extension's
	// relative path p resolves to ExtensionsDir/<name>/p.
	ExtensionsDir string

	// Console echoes extension log lines. Nil disables echoing.
	Console *Console

	// WebTransport carries outbound web requests. Nil uses a clone
	// of http.DefaultTransport.
	WebTransport http.RoundTripper

	Logger *slog.Logger
}

// Broker holds the capability tables. Create with New.
type Broker struct {
	store         datastore.Store
	policies      Policies
	extensionsDir string
	console       *Console
	logger        *slog.Logger
	launcher      Launcher

	web webClients

	operations map[string]operation

	identityMu sync.Mutex
	byToken    map[string]*identity
	byName     map[string]*identity

	fileMu sync.Mutex
	files  map[string]*fileHandle

	connectionMu sync.Mutex
	connections  map[string]*registration
	changed      chan struct{}

	mailMu    sync.Mutex
	mailboxes map[string]*mailbox

	exitMu sync.Mutex
	exits  map[string]*exitSignal
}

type identity struct {
	name    string
	token   string
	options Options
}

// New creates a Broker.
func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Broker{
		store:         cfg.Store,
		policies:      cfg.Policies,
		extensionsDir: cfg.ExtensionsDir,
		console:       cfg.Console,
		logger:        logger,
		web:           newWebClients(cfg.WebTransport),
		byToken:       make(map[string]*identity),
		byName:        make(map[string]*identity),
		files:         make(map[string]*fileHandle),
		connections:   make(map[string]*registration),
		changed:       make(chan struct{}),
		mailboxes:     make(map[string]*mailbox),
		exits:         make(map[string]*exitSignal),
	}
	b.operations = b.registry()
	return b
}

// SetLauncher installs the on-demand starter. Call once, before any
// extension is registered.
func (b *Broker) SetLauncher(launcher Launcher) {
	b.launcher = launcher
}

// Register mints a token for name. It fails with busy if name already
// holds a token.
func (b *Broker) Register(name string, options Options) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", apierror.Internal("minting token: %w", err)
	}

	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	if _, exists := b.byName[name]; exists {
		return "", apierror.Busy("extension %s is already registered", name)
	}
	if options.CustomArgs == nil {
		options.CustomArgs = map[string]string{}
	}
	entry := &identity{name: name, token: token, options: options}
	b.byToken[token] = entry
	b.byName[name] = entry

	b.logger.Info("extension registered", "extension", name, "token", Fingerprint(token))
	return token, nil
}

// Unregister removes name's token and everything the extension owned
// in the broker: open files, connection registrations (claimed ones
// are ended), and its exit signal. Unknown names are ignored.
func (b *Broker) Unregister(name string) {
	b.identityMu.Lock()
	entry, ok := b.byName[name]
	if ok {
		delete(b.byName, name)
		delete(b.byToken, entry.token)
	}
	b.identityMu.Unlock()

	b.closeFilesOwnedBy(name)
	b.endConnectionsOwnedBy(name)
	b.dropExitSignal(name)

	if ok {
		b.logger.Info("extension unregistered", "extension", name, "token", Fingerprint(entry.token))
	}
}

// Resolve returns the extension name holding token.
func (b *Broker) Resolve(token string) (string, error) {
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	entry, ok := b.byToken[token]
	if !ok {
		return "", apierror.PermissionDenied("unknown token")
	}
	return entry.name, nil
}

// TokenFor returns the token currently held by name.
func (b *Broker) TokenFor(name string) (string, bool) {
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	entry, ok := b.byName[name]
	if !ok {
		return "", false
	}
	return entry.token, true
}

// Running reports whether name currently holds a token.
func (b *Broker) Running(name string) bool {
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	_, ok := b.byName[name]
	return ok
}

// Option returns one of the caller's options: "exclusive" or
// "custom_args".
func (b *Broker) Option(token, option string) (any, error) {
	b.identityMu.Lock()
	defer b.identityMu.Unlock()
	entry, ok := b.byToken[token]
	if !ok {
		return nil, apierror.PermissionDenied("unknown token")
	}
	switch option {
	case "exclusive":
		return entry.options.Exclusive, nil
	case "custom_args":
		return entry.options.CustomArgs, nil
	}
	return nil, apierror.NotFound("no extension option %q", option).With("option", option)
}

// authorize resolves token and loads the caller's policy.
func (b *Broker) authorize(token string) (string, *policy.Policy, error) {
	name, err := b.Resolve(token)
	if err != nil {
		return "", nil, err
	}
	pol, err := b.policies.Get(name)
	if err != nil {
		return "", nil, apierror.Internal("loading policy for %s: %w", name, err)
	}
	return name, pol, nil
}

// deny logs a capability denial and returns the error to surface.
func (b *Broker) deny(name, capability, subject string) error {
	b.logger.Warn("capability denied",
		"extension", name,
		"capability", capability,
		"subject", subject,
	)
	return apierror.PermissionDenied("%s access denied: %s", capability, subject).With(capability, subject)
}

func newToken() (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Fingerprint returns a short, non-reversible label for token, for
// log lines. Tokens themselves are never logged.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

