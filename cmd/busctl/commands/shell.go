package commands

import (
	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

// shellCmd starts an interactive console built on reeflective/console,
// giving busctl a readline/history/completion loop instead of a bare
// bufio.Scanner REPL.
func shellCmd() *cobra.Command {
	return &cobra.Command{
 Use: "shell",
 Short: "Start an interactive busctl console",
 Long: "Launches a readline-backed console exposing every busctl command. Type 'help' or press Ctrl-D to exit.",
 Args: cobra.NoArgs,
 RunE: func(_ *cobra.Command, _ []string) error {
 app := console.New("busctl")
 menu := app.ActiveMenu()
 menu.SetCommands(shellCommandTree)
 return app.Start()
 },
	}
}

// shellCommandTree builds a fresh command tree for each read-eval loop
// iteration. reeflective/console calls this repeatedly rather than once,
// since cobra.Command carries per-execution flag state that must not leak
// between console lines.
func shellCommandTree() *cobra.Command {
	root := &cobra.Command{
 Use: "busctl",
 SilenceUsage: true,
 SilenceErrors: true,
	}
	root.AddCommand(sessionCmd())
	root.AddCommand(nameCmd())
	root.AddCommand(monitorCmd())
	root.AddCommand(versionCmd())
	return root
}
