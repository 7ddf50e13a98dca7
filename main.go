package main

import "github.com/alkmaps/rastertiled/internal/cmd"

func main() {
	cmd.Execute()
}
