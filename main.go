package main

import "fileswoosh/cli"

func main() {
	cli.Execute()
}
