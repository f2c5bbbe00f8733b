package main

import "github.com/tenderops/classipipe/internal/cli"

func main() {
	cli.Execute()
}
