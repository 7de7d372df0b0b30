package main

import "github.com/ZanzyTHEbar/dirtable/cmd"

func main() {
	cmd.Execute()
}
