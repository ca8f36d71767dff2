package main

import "github.com/ngld/specrun/cmd"

func main() {
	cmd.Execute()
}
