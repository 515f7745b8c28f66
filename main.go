package main

import "github.com/cyberinferno/genie-upload/cmd"

func main() {
	cmd.Execute()
}
