// Package command provides the registry and parser for bridge commands typed
// into the relay channel.
package command

// Categories for organizing commands.
const (
	CategoryDialog     = "dialog"
	CategoryConnection = "connection"
	CategoryKeywords   = "keywords"
	CategorySystem     = "system"
)

// Handler identifiers mapping commands to bridge handlers.
const (
	HandlerWhisper = "whisper"
	HandlerPause   = "pause"
	HandlerResume  = "resume"
	HandlerStatus  = "status"
	HandlerKeyword = "keyword"
	HandlerHelp    = "help"
)

// Command defines a bridge command.
type Command struct {
	// Name is the canonical command name.
	Name string
	// Aliases are alternate names for this command.
	Aliases []string
	// Usage is the argument synopsis shown by help.
	Usage string
	// Help is the short help text.
	Help string
	// Category groups the command.
	Category string
	// Handler maps to the bridge handler.
	Handler string
}

// BuiltinCommands returns every bridge command.
func BuiltinCommands() []Command {
	return []Command{
		{Name: "w", Aliases: []string{"whisper", "msg"}, Usage: "<player> <text>", Help: "Whisper a player and open a dialog channel", Category: CategoryDialog, Handler: HandlerWhisper},
		{Name: "pause", Usage: "[minutes]", Help: "Disconnect from the world, optionally resuming later", Category: CategoryConnection, Handler: HandlerPause},
		{Name: "resume", Help: "Reconnect to the world", Category: CategoryConnection, Handler: HandlerResume},
		{Name: "status", Aliases: []string{"st"}, Help: "Show connection status", Category: CategoryConnection, Handler: HandlerStatus},
		{Name: "kw", Aliases: []string{"keyword"}, Usage: "add|remove|list [word]", Help: "Manage keyword pings", Category: CategoryKeywords, Handler: HandlerKeyword},
		{Name: "help", Aliases: []string{"?"}, Help: "List bridge commands", Category: CategorySystem, Handler: HandlerHelp},
	}
}
