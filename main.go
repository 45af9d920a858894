package main

import "github.com/ValentinKolb/dKB/cmd"

func main() {
	cmd.Execute()
}
