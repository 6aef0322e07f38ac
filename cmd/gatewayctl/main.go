// Package main is the entry point for gatewayctl, the gateway operator CLI.
package main

import "os"

func main() {
	os.Exit(execute(os.Args[1:]))
}
