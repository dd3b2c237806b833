package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	objectCmds
	hookCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Inspecting the object catalog", objectCmds},
	{"Hooks and session state", hookCmds},
	{"Other commands", otherCmds},
}
