// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/bureau-foundation/exthost/lib/apierror"
	"github.com/bureau-foundation/exthost/lib/ipc"
	"github.com/bureau-foundation/exthost/policy"
	"github.com/bureau-foundation/exthost/sandbox"
	"github.com/bureau-foundation/exthost/sdk"
)

// hostEnds are the broker's side of a worker's IPC channel, plus
// the worker's side when the host created it and must close its copy
// after the worker starts.
type hostEnds struct {
	calls   io.ReadCloser
	replies io.WriteCloser

	// workerStdin and workerStdout are set for the stdio transport.
	workerStdin  *os.File
	workerStdout *os.File

	fifo *ipc.FIFOPair
}

func (e *hostEnds) closeWorkerEnds() {
	if e.workerStdin != nil {
		e.workerStdin.Close()
	}
	if e.workerStdout != nil {
		e.workerStdout.Close()
	}
}

func (e *hostEnds) close() {
	e.closeWorkerEnds()
	if e.calls != nil {
		e.calls.Close()
	}
	if e.replies != nil {
		e.replies.Close()
	}
	if e.fifo != nil {
		e.fifo.Remove()
	}
}

func (s *Supervisor) openTransport(name string, env *sdk.Environment) (*hostEnds, error) {
	switch s.transport {
	case TransportStdio:
		callRead, callWrite, err := os.Pipe()
		if err != nil {
			return nil, apierror.Internal("creating call pipe for %s: %w", name, err)
		}
		replyRead, replyWrite, err := os.Pipe()
		if err != nil {
			callRead.Close()
			callWrite.Close()
			return nil, apierror.Internal("creating reply pipe for %s: %w", name, err)
		}
		return &hostEnds{
			calls:        callRead,
			replies:      replyWrite,
			workerStdin:  replyRead,
			workerStdout: callWrite,
		}, nil
	}

	pair, err := ipc.CreateFIFOPair(s.tempDir, name)
	if err != nil {
		return nil, apierror.Internal("creating pipes for %s: %w", name, err)
	}
	calls, replies, err := pair.OpenHost()
	if err != nil {
		pair.Remove()
		return nil, apierror.Internal("opening pipes for %s: %w", name, err)
	}
	env.ReplyPipe = pair.Replies
	env.CallPipe = pair.Calls
	return &hostEnds{calls: calls, replies: replies, fifo: &pair}, nil
}

// launchProcess starts extension as a child process serving the IPC
// protocol. The returned release stops the server and removes the
// transport.
func (s *Supervisor) launchProcess(extension Extension, pol *policy.Policy, token string, isolate bool) (Worker, func(), error) {
	env := sdk.Environment{
		Name:               extension.Name,
		Token:              token,
		ExtensionPath:      extension.OwnPath(),
		SystemPath:         s.extensionsDir,
		StrictMode:         pol.StrictMode,
		TempDir:            filepath.Join(s.tempDir, extension.Name) + string(filepath.Separator),
		Breakpoint:         s.breakpoint,
		NoExceptionLogging: s.noExceptions,
	}
	ends, err := s.openTransport(extension.Name, &env)
	if err != nil {
		return nil, nil, err
	}

	cmd, err := s.command(extension, pol, env, ends, isolate)
	if err != nil {
		ends.close()
		return nil, nil, err
	}
	if ends.workerStdin != nil {
		cmd.Stdin = ends.workerStdin
		cmd.Stdout = ends.workerStdout
	} else {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = os.Stderr

	worker, err := startProcess(cmd)
	if err != nil {
		ends.close()
		return nil, nil, apierror.Internal("starting %s: %w", extension.Name, err)
	}
	ends.closeWorkerEnds()

	ctx, cancel := context.WithCancel(context.Background())
	logger := s.logger.With("extension", extension.Name)
	server := ipc.NewServer(ends.calls, ends.replies, s.broker, logger)
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := server.Serve(ctx); err != nil {
			logger.Warn("ipc server stopped", "error", err)
		}
	}()

	release := func() {
		cancel()
		<-served
		ends.close()
	}
	return worker, release, nil
}

// command builds the worker's command line, under bubblewrap when
// isolate is set.
func (s *Supervisor) command(extension Extension, pol *policy.Policy, env sdk.Environment, ends *hostEnds, isolate bool) (*exec.Cmd, error) {
	if isolate {
		if s.sandbox == nil {
			return nil, apierror.Internal("extension %s requires isolation but no sandbox is available", extension.Name).
				With("extension", extension.Name)
		}
		writePaths := pol.WritePaths()
		if ends.fifo != nil {
			writePaths = append(writePaths, ends.fifo.Calls, ends.fifo.Replies)
		}
		chdir := extension.PackageDir
		if chdir == "" {
			chdir = env.TempDir
		}
		return s.sandbox.Command(context.Background(), sandbox.Launch{
			Name:         extension.Name,
			ReadPaths:    append(pol.ReadPaths(), extension.CodePath),
			WritePaths:   writePaths,
			EnsureExists: append([]string{env.TempDir}, pol.EnsureExistsPaths()...),
			Env:          env.Vars(),
			Variables: sandbox.Variables{
				"EXTENSION":      extension.Name,
				"EXTENSIONS_DIR": s.extensionsDir,
			},
			Chdir:   chdir,
			Command: []string{extension.CodePath},
		})
	}

	if err := sandbox.EnsurePaths([]string{env.TempDir}); err != nil {
		return nil, apierror.Internal("creating temp directory for %s: %w", extension.Name, err)
	}
	cmd := exec.Command(extension.CodePath)
	cmd.Dir = extension.PackageDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(extension.CodePath)
	}
	cmd.Env = os.Environ()
	for key, value := range env.Vars() {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	return cmd, nil
}
