package main

import "github.com/petervdpas/callmesh/cmd"

func main() {
	cmd.Execute()
}
