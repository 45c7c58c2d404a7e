//go:build !pyroscope

// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing.
func Start(log *logging.Logger, self string) (func() error, error) {
	log.Warning("Profiling requested, but pyroscope support is not built in")
	return func() error { return nil }, nil
}
