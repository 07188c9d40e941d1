// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/bureau-foundation/exthost/postmaster"
	"github.com/bureau-foundation/exthost/sdk"
	"github.com/bureau-foundation/exthost/supervisor"
)

// statusExtensionName is the built-in extension reporting what the
// supervisor is running, at GET /status/ and as the shared function
// "statuses".
const statusExtensionName = "status"

type statusReporter interface {
	Statuses() []supervisor.Status
}

type statusEntry struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func statusReport(reporter statusReporter) []statusEntry {
	statuses := reporter.Statuses()
	report := make([]statusEntry, len(statuses))
	for i, status := range statuses {
		report[i] = statusEntry{Name: status.Name, State: status.State.String()}
	}
	return report
}

func statusExtension(reporter statusReporter, logger *slog.Logger) supervisor.BuiltinFunc {
	return func(ctx context.Context, host *sdk.Host) error {
		mail := postmaster.New(host, postmaster.Options{Logger: logger.With("extension", host.Name())})
		mail.Share("statuses", func(context.Context, []json.RawMessage, map[string]json.RawMessage) (any, error) {
			return statusReport(reporter), nil
		})
		mail.Start(ctx)

		err := host.Handle("GET|HEAD", "/", func(conn *sdk.Connection) {
			if err := conn.SendJSON(statusReport(reporter)); err != nil {
				logger.Debug("status response failed", "error", err)
			}
		})
		if err != nil {
			return err
		}
		return host.ExitWait(ctx)
	}
}
