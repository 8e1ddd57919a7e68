package main

import "github.com/elidickinson/claude-code-mux/cmd"

func main() {
	cmd.Execute()
}
