package main

import (
	"github.com/sidkik/olsync/cmd"
	"github.com/sidkik/olsync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
