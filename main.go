package main

import "tubebot/cmd"

func main() {
	cmd.Execute()
}
