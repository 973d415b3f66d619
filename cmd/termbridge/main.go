package main

import "github.com/termbridge/termbridge/internal/cli"

func main() {
	cli.Execute()
}
