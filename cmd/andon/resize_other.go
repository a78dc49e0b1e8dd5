//go:build !unix

package main

import "os"

// No window-change signal outside unix; the initial size is kept.
func notifyResize(chan<- os.Signal) {}

func stopResize(chan<- os.Signal) {}
