// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sdk

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/bureau-foundation/exthost/lib/ipc"
)

// Environment variables set by the supervisor when it launches a
// worker process.
const (
	EnvName  = "EXTHOST_NAME"
	EnvToken = "EXTHOST_TOKEN"

	// EnvReplyPipe names the FIFO the worker reads replies from and
	// EnvCallPipe the FIFO it writes calls to. When both are unset the
	// worker speaks the protocol on stdin and stdout.
	EnvReplyPipe = "EXTHOST_PIPE0"
	EnvCallPipe  = "EXTHOST_PIPE1"

	EnvExtensionPath      = "EXTHOST_EXT_PATH"
	EnvSystemPath         = "EXTHOST_SYS_PATH"
	EnvStrictMode         = "EXTHOST_STRICT_MODE"
	EnvTemp               = "EXTHOST_TEMP"
	EnvBreakpoint         = "EXTHOST_BREAKPOINT"
	EnvNoExceptionLogging = "EXTHOST_NO_EXCEPTION_LOGGING"
)

// Environment is the worker's view of its launch settings.
type Environment struct {
	Name  string
	Token string

	ReplyPipe string
	CallPipe  string

	// ExtensionPath is the extension's code path or package directory;
	// SystemPath is the host's extensions directory.
	ExtensionPath string
	SystemPath    string

	StrictMode         bool
	TempDir            string
	Breakpoint         string
	NoExceptionLogging bool
}

// Vars renders env as NAME=value pairs, the form the supervisor puts
// in a worker's environment.
func (env Environment) Vars() map[string]string {
	vars := map[string]string{
		EnvName:               env.Name,
		EnvToken:              env.Token,
		EnvExtensionPath:      env.ExtensionPath,
		EnvSystemPath:         env.SystemPath,
		EnvStrictMode:         strconv.FormatBool(env.StrictMode),
		EnvTemp:               env.TempDir,
		EnvNoExceptionLogging: strconv.FormatBool(env.NoExceptionLogging),
	}
	if env.ReplyPipe != "" {
		vars[EnvReplyPipe] = env.ReplyPipe
		vars[EnvCallPipe] = env.CallPipe
	}
	if env.Breakpoint != "" {
		vars[EnvBreakpoint] = env.Breakpoint
	}
	return vars
}

// ReadEnvironment collects the launch settings from lookup, which is
// normally os.LookupEnv.
func ReadEnvironment(lookup func(string) (string, bool)) (Environment, error) {
	get := func(key string) string {
		value, _ := lookup(key)
		return value
	}
	env := Environment{
		Name:          get(EnvName),
		Token:         get(EnvToken),
		ReplyPipe:     get(EnvReplyPipe),
		CallPipe:      get(EnvCallPipe),
		ExtensionPath: get(EnvExtensionPath),
		SystemPath:    get(EnvSystemPath),
		TempDir:       get(EnvTemp),
		Breakpoint:    get(EnvBreakpoint),
	}
	env.StrictMode, _ = strconv.ParseBool(get(EnvStrictMode))
	env.NoExceptionLogging, _ = strconv.ParseBool(get(EnvNoExceptionLogging))

	if env.Name == "" || env.Token == "" {
		return Environment{}, fmt.Errorf("%s and %s must be set; is this process running under exthost?", EnvName, EnvToken)
	}
	if (env.ReplyPipe == "") != (env.CallPipe == "") {
		return Environment{}, fmt.Errorf("%s and %s must be set together", EnvReplyPipe, EnvCallPipe)
	}
	return env, nil
}

// FromEnvironment connects a worker process to the host that launched
// it.
func FromEnvironment(logger *slog.Logger) (*Host, error) {
	env, err := ReadEnvironment(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	var client *ipc.Client
	host := New(nil, env.Name, env.Token, logger)
	if env.ReplyPipe != "" {
		pair := ipc.FIFOPair{Calls: env.CallPipe, Replies: env.ReplyPipe}
		replies, calls, err := pair.OpenWorker()
		if err != nil {
			return nil, err
		}
		client = ipc.NewClient(replies, calls, logger)
		host.closers = append(host.closers, replies, calls)
	} else {
		client = ipc.NewClient(os.Stdin, os.Stdout, logger)
		host.closers = append(host.closers, os.Stdout)
	}
	host.backend = client
	host.env = env
	return host, nil
}
