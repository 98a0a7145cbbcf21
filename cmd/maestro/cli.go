// Package main defines the CLI structure using kong.
package main

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Run the agent as a bus-connected service"`
	Send    SendCmd    `cmd:"" help:"Send one message to the agent and print the reply"`
	Adjust  AdjustCmd  `cmd:"" help:"Deliver adjustment feedback to a running subagent"`
	Cancel  CancelCmd  `cmd:"" help:"Cancel a running subagent task"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd runs the agent loop against the message bus.
type ServeCmd struct {
	Config string `short:"c" help:"Config file path (default: maestro.toml)"`
	Bus    string `help:"Bus URL override"`
}

// SendCmd runs a single turn without a bus and prints the reply.
type SendCmd struct {
	Message string `arg:"" help:"Message content"`
	Config  string `short:"c" help:"Config file path (default: maestro.toml)"`
	Channel string `default:"cli" help:"Channel the message arrives on"`
	ChatID  string `default:"direct" help:"Chat identifier within the channel"`
	Wait    bool   `help:"Wait for spawned subagents to finish before exiting"`
}

// AdjustCmd publishes adjustment feedback for a task over the bus.
type AdjustCmd struct {
	TaskID   string `arg:"" help:"Task id from the adjustment request"`
	Feedback string `arg:"" help:"Feedback text for the subagent"`
	Config   string `short:"c" help:"Config file path (default: maestro.toml)"`
	Bus      string `help:"Bus URL override"`
}

// CancelCmd publishes a cancellation for a running task over the bus.
type CancelCmd struct {
	TaskID string `arg:"" help:"Task id of the subagent to cancel"`
	Config string `short:"c" help:"Config file path (default: maestro.toml)"`
	Bus    string `help:"Bus URL override"`
}

// VersionCmd shows version information.
type VersionCmd struct{}
