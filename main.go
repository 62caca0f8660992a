package main

import "github.com/aramirez6/talkgen/cmd"

func main() {
	cmd.Execute()
}
