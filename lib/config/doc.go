// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the vdmabuf broker
// daemon.
//
// Configuration comes from at most one file, named by either the
// VDMABUF_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). With neither, the daemon runs on [Default] plus its
// command-line flags. Files ending in .toml are decoded as TOML; all
// others as YAML.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No environment
// variable overrides a config value directly.
//
// Key exports:
//
//   - [Config] -- mode, VM list, socket and device paths, session and
//     cleanup settings, and the optional status socket and metrics
//     address
//   - [Default] -- a front-end kernel-device configuration
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [ParseVMList] -- splits the --vm flag's comma-separated list
package config
