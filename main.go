package main

import "github.com/dubforge/dubforge/cmd"

func main() {
	cmd.Execute()
}
