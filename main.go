package main

import "github.com/recyclebud/scan-api/cmd"

func main() {
	cmd.Execute()
}
