package main

import (
	"github.com/0xf61/sqlhound/cmd"
)

func main() {
	cmd.Execute()
}
