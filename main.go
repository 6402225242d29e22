package main

import (
	"fmt"

	"github.com/valmesh/valmesh/cli"
)

func main() {
	if err := cli.Start(); err != nil {
		fmt.Println(err)
	}
}
