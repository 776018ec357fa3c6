package main

import "github.com/Sentinel-Gate/Toolgate/cmd/tool-gate/cmd"

func main() {
	cmd.Execute()
}
