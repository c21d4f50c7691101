package intent

import (
	"strings"

	"github.com/codeready-toolchain/maestro/pkg/fault"
)

// Command is a parsed slash command.
type Command struct {
	Name string
	Args string
}

// Slash commands the chat endpoint understands.
const (
	CommandExecute = "execute"
	CommandHelp    = "help"
	CommandStatus  = "status"
	CommandCancel  = "cancel"
)

var knownCommands = map[string]bool{
	CommandExecute: true,
	CommandHelp:    true,
	CommandStatus:  true,
	CommandCancel:  true,
}

// ParseCommand recognizes a leading slash command. Non-command messages
// return ok=false; a slash followed by an unknown word is still a command
// attempt and should be validated with ValidateCommand.
func ParseCommand(message string) (Command, bool) {
	msg := strings.TrimSpace(message)
	if !strings.HasPrefix(msg, "/") {
		return Command{}, false
	}
	name, args, _ := strings.Cut(msg[1:], " ")
	return Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}, name != ""
}

// ValidateCommand checks a parsed command against the known set and its
// argument requirements. Unknown commands return InvalidArgument with a
// message listing what is available.
func ValidateCommand(cmd Command) error {
	if !knownCommands[cmd.Name] {
		return fault.New(fault.InvalidArgument,
			"unknown command /%s; available commands: /execute <task>, /help, /status <workflow-id>, /cancel <workflow-id>",
			cmd.Name)
	}
	switch cmd.Name {
	case CommandExecute:
		if cmd.Args == "" {
			return fault.New(fault.InvalidArgument, "/execute requires a task description")
		}
	case CommandStatus, CommandCancel:
		if cmd.Args == "" {
			return fault.New(fault.InvalidArgument, "/%s requires a workflow id", cmd.Name)
		}
	}
	return nil
}

// HelpText is the synchronous response to /help.
const HelpText = `Available commands:
/execute <task>        start a workflow for the task
/status <workflow-id>  show a workflow's current status
/cancel <workflow-id>  request cancellation of a workflow
/help                  show this help

Anything else is treated as a chat message.`
