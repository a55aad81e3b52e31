// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package xlog wraps github.com/charmbracelet/log, the teacher's
// structured logger (client2/arq.go, client2/connection.go), with a
// single constructor that every package here uses so log prefixes stay
// consistent without each package picking its own options.
package xlog

import (
	"os"

	"github.com/charmbracelet/log"
)

// New builds a logger prefixed with name, writing to stderr at Info
// level by default. Protocol- and session-layer code downgrades to
// Debug for routine per-frame chatter and upgrades to Warn/Error for
// dropped datagrams and disconnects (spec.md §7).
func New(name string) *log.Logger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          name,
	})
	l.SetLevel(log.InfoLevel)
	return l
}
