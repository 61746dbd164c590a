package main

import "github.com/bryanchriswhite/PiPMirror/cmd/pipmirror/commands"

func main() {
	commands.Execute()
}
