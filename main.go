package main

import "github.com/manningwu07/vhred/cmd"

func main() {
	cmd.Execute()
}
