package main

import "github.com/agusx1211/afar/internal/cli"

func main() {
	cli.Execute()
}
