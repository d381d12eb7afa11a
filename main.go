package main

import (
	"os"

	"github.com/Zakaria95Ahmed/idm-clone/cmd"
)

func main() {
	os.Exit(cmd.Run())
}
