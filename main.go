package main

import (
	"github.com/AzielCF/az-filter/cmd"
)

func main() {
	cmd.Execute()
}
