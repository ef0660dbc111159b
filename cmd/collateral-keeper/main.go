package main

import "collateral-keeper/internal/cli"

func main() {
	cli.Execute()
}
