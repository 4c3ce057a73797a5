package main

import "davmirror/cmd"

func main() {
	cmd.Execute()
}
