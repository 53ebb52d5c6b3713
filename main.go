package main

import "github.com/zlnvch/sketchroom/cmd"

func main() {
	cmd.Execute()
}
