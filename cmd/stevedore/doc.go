// Command stevedore is the command-line front end for the stevedore package
// daemon. It runs the daemon in the foreground, submits install, upgrade,
// uninstall, download, and repair requests over the daemon's Unix socket,
// and renders queue, history, catalog, and installed-package views.
//
// Package operations can also run in-process with --local when no daemon is
// running; the in-process run takes the same single-instance lock.
package main
