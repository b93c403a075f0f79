package main

import "github.com/pilab-dev/civic-session/cmd/civicctl/cmd"

func main() {
	cmd.Execute()
}
