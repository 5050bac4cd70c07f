// busctl is the command-line client for busd: it binds and joins sessions,
// advertises and discovers well-known names, and streams signals, all over
// the same client-facing BusService a local process would use.
package main

import "github.com/busd-project/busd/cmd/busctl/commands"

func main() {
	commands.Execute()
}
