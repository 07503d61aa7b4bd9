package main

import "github.com/ValentinKolb/hlock/cmd"

func main() {
	cmd.Execute()
}
