package main

import "github.com/jmcleod/nodedash/cmd/nodedash/cmd"

func main() {
	cmd.Execute()
}
