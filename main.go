package main

import "github.com/audiolibrelab/camsync/cmd"

func main() {
	cmd.Execute()
}
