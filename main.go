package main

import (
	"github.com/beyondstorage/beyond-fetch/cmd"
)

func main() {
	cmd.Execute()
}
